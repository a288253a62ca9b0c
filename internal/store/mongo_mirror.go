package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
)

const transactionsCollection = "transactions"

// MongoMirror persists transactions as documents keyed by internal reference.
type MongoMirror struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoMirror(client *mongo.Client, db *mongo.Database) *MongoMirror {
	return &MongoMirror{client: client, collection: db.Collection(transactionsCollection)}
}

// EnsureIndexes creates the lookup indexes for the transactions collection.
func (m *MongoMirror) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "correlation_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"correlation_id": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := m.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		log.Error().Err(err).Msg("failed to create transaction indexes")
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (m *MongoMirror) Save(ctx context.Context, tx models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": tx.InternalReference},
		tx,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (m *MongoMirror) LoadAll(ctx context.Context) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cur, err := m.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return txs, nil
}

func (m *MongoMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
