package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
)

// TransactionStore is what the reconciler and payment service need from storage.
type TransactionStore interface {
	Create(ctx context.Context, tx models.Transaction) error
	GetByReference(ctx context.Context, ref string) (models.Transaction, error)
	GetByCorrelationID(ctx context.Context, id string) (models.Transaction, error)
	Update(ctx context.Context, tx models.Transaction) error
	Transition(ctx context.Context, ref string, fn func(tx *models.Transaction) bool) (models.Transaction, bool, error)
	ListAll(ctx context.Context) ([]models.Transaction, error)
	ListPending(ctx context.Context, createdBefore time.Time) ([]models.Transaction, error)
	Ping(ctx context.Context) error
}

// EventPublisher is notified after a transaction reaches a terminal status.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
}

// Result is an outcome reported by the provider, either pushed (callback) or pulled (poll).
type Result struct {
	Code        int
	Description string
	// Receipt is only present on callbacks.
	Receipt *models.Receipt
	Source  string
}

// TransactionEvent is published on every transition out of PENDING.
type TransactionEvent struct {
	InternalReference string        `json:"internalReference"`
	CorrelationID     string        `json:"correlationId"`
	Status            models.Status `json:"status"`
	ResultCode        int           `json:"resultCode"`
	ResultDescription string        `json:"resultDescription"`
	ReceiptNumber     string        `json:"mpesaReceiptNumber,omitempty"`
	Amount            int64         `json:"amount"`
	ResolvedBy        string        `json:"resolvedBy"`
	TerminalAt        time.Time     `json:"terminalAt"`
}

// Reconciler is the only writer of transaction status. The first terminal
// result wins; anything that arrives later is a no-op.
type Reconciler struct {
	store     TransactionStore
	publisher EventPublisher
	now       func() time.Time
}

func NewReconciler(store TransactionStore, publisher EventPublisher) *Reconciler {
	return &Reconciler{store: store, publisher: publisher, now: time.Now}
}

// ResolveByCorrelation applies a result to the record carrying the provider's correlation id.
func (r *Reconciler) ResolveByCorrelation(ctx context.Context, correlationID string, res Result) (models.Transaction, bool, error) {
	tx, err := r.store.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return models.Transaction{}, false, err
	}
	return r.resolve(ctx, tx.InternalReference, res)
}

// ResolveByReference applies a result to the record with the given internal reference.
func (r *Reconciler) ResolveByReference(ctx context.Context, ref string, res Result) (models.Transaction, bool, error) {
	tx, err := r.store.GetByReference(ctx, ref)
	if err != nil {
		return models.Transaction{}, false, err
	}
	if tx.CorrelationID == "" {
		return tx, false, fmt.Errorf("reference %s: %w", ref, models.ErrUnresolvable)
	}
	return r.resolve(ctx, ref, res)
}

func (r *Reconciler) resolve(ctx context.Context, ref string, res Result) (models.Transaction, bool, error) {
	logger := log.Ctx(ctx).With().
		Str("reference", ref).
		Int("result_code", res.Code).
		Str("source", res.Source).
		Logger()

	tx, changed, err := r.store.Transition(ctx, ref, func(tx *models.Transaction) bool {
		return r.apply(tx, res)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Transaction{}, false, err
		}
		logger.Error().Err(err).Msg("failed to persist reconciliation")
		return tx, false, fmt.Errorf("resolve %s: %w", ref, err)
	}

	if !changed {
		if tx.Status.Terminal() {
			logger.Info().Str("status", string(tx.Status)).Msg("result ignored, transaction already terminal")
		} else {
			logger.Debug().Msg("transaction still in progress")
		}
		return tx, false, nil
	}

	logger.Info().Str("status", string(tx.Status)).Str("receipt", tx.ReceiptNumber).Msg("transaction resolved")
	r.publish(ctx, tx)
	return tx, true, nil
}

// apply is the state machine. Caller holds the record lock.
func (r *Reconciler) apply(tx *models.Transaction, res Result) bool {
	if tx.Status.Terminal() {
		return false
	}
	if tx.CorrelationID == "" {
		return false
	}
	if res.Code == models.ResultInProgress {
		return false
	}

	code := res.Code
	now := r.now().UTC().Truncate(time.Millisecond)
	tx.ResultCode = &code
	tx.ResultDescription = res.Description
	tx.ResolvedBy = res.Source
	tx.TerminalAt = &now

	if code != models.ResultSuccess {
		tx.Status = models.StatusFailed
		return true
	}

	tx.Status = models.StatusCompleted
	if rc := res.Receipt; rc != nil {
		tx.ReceiptNumber = rc.Number
		tx.ConfirmedAmount = rc.Amount
		tx.ConfirmedPhone = rc.Phone
		tx.ProviderTimestamp = rc.Timestamp
	}
	return true
}

func (r *Reconciler) publish(ctx context.Context, tx models.Transaction) {
	if r.publisher == nil {
		return
	}
	ev := TransactionEvent{
		InternalReference: tx.InternalReference,
		CorrelationID:     tx.CorrelationID,
		Status:            tx.Status,
		ResultDescription: tx.ResultDescription,
		ReceiptNumber:     tx.ReceiptNumber,
		Amount:            tx.Amount,
		ResolvedBy:        tx.ResolvedBy,
	}
	if tx.ResultCode != nil {
		ev.ResultCode = *tx.ResultCode
	}
	if tx.TerminalAt != nil {
		ev.TerminalAt = *tx.TerminalAt
	}

	routingKey := "transaction.completed"
	if tx.Status == models.StatusFailed {
		routingKey = "transaction.failed"
	}
	// the record is already durable; a lost event is logged, not fatal
	if err := r.publisher.Publish(ctx, routingKey, ev); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("reference", tx.InternalReference).Msg("failed to publish transaction event")
	}
}
