package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
	"github.com/markjakearzadon/pushpay-gateway/internal/mpesa"
	"github.com/markjakearzadon/pushpay-gateway/internal/worker"
)

func TestSweepOnceResolvesStalePending(t *testing.T) {
	provider := acceptingProvider()
	provider.QueryPushStatusFunc = func(_ context.Context, id string) (mpesa.QueryResult, error) {
		if id == "ws_CO_stale" {
			return mpesa.QueryResult{ResultCode: 1037, ResultDescription: "DS timeout user cannot be reached"}, nil
		}
		t.Errorf("unexpected query for %s", id)
		return mpesa.QueryResult{}, mpesa.ErrInProgress
	}
	svc, pub := newTestService(t, provider)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	seed := func(ref, corr string, created time.Time) {
		err := svc.store.Create(ctx, models.Transaction{
			InternalReference: ref, CorrelationID: corr, PhoneNumber: "254712345678",
			Amount: 10, Description: "order", Status: models.StatusPending, CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", ref, err)
		}
	}
	seed("stale", "ws_CO_stale", base)
	seed("fresh", "ws_CO_fresh", base.Add(9*time.Minute))
	seed("orphan", "", base)

	pool := worker.NewPool(10, PollHandler(svc))
	pool.Start(ctx, 1)

	sw := NewSweeper(svc.store, pool, 2*time.Minute)
	sw.now = func() time.Time { return base.Add(10 * time.Minute) }

	queued, skipped, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	pool.Shutdown()

	if queued != 1 || skipped != 0 {
		t.Errorf("queued = %d, skipped = %d; want 1, 0", queued, skipped)
	}
	got, _ := svc.store.GetByReference(ctx, "stale")
	if got.Status != models.StatusFailed || got.ResolvedBy != models.ResolvedBySweep {
		t.Errorf("stale transaction = %s by %q, want FAILED by sweep", got.Status, got.ResolvedBy)
	}
	if fresh, _ := svc.store.GetByReference(ctx, "fresh"); fresh.Status != models.StatusPending {
		t.Errorf("fresh transaction = %s, want PENDING", fresh.Status)
	}
	if pub.count() != 1 {
		t.Errorf("events = %d, want 1", pub.count())
	}
}

func TestSweepOnceStopsWhenCancelled(t *testing.T) {
	svc, _ := newTestService(t, acceptingProvider())
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, ref := range []string{"a", "b", "c"} {
		err := svc.store.Create(context.Background(), models.Transaction{
			InternalReference: ref, CorrelationID: "ws_CO_" + ref, PhoneNumber: "254712345678",
			Amount: 10, Description: "order", Status: models.StatusPending, CreatedAt: base,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", ref, err)
		}
	}

	pool := worker.NewPool(10, PollHandler(svc))
	defer pool.Shutdown()
	sw := NewSweeper(svc.store, pool, time.Minute)
	sw.now = func() time.Time { return base.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	queued, _, err := sw.SweepOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d after cancel, want 0", queued)
	}
}
