package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/pushpay-gateway/internal/worker"
)

// Sweeper finds transactions stuck in PENDING and queues a provider poll for
// each. The polls go through the same reconciler as callbacks.
type Sweeper struct {
	store          TransactionStore
	pool           *worker.Pool
	pendingTimeout time.Duration
	now            func() time.Time
}

func NewSweeper(store TransactionStore, pool *worker.Pool, pendingTimeout time.Duration) *Sweeper {
	return &Sweeper{store: store, pool: pool, pendingTimeout: pendingTimeout, now: time.Now}
}

// PollHandler adapts the payment service to the worker pool.
func PollHandler(payments *PaymentService) worker.Handler {
	return func(ctx context.Context, job worker.PollJob) error {
		_, err := payments.PollPending(ctx, job.Reference)
		return err
	}
}

// SweepOnce queues every PENDING transaction older than the timeout.
// Returns how many were queued and how many were skipped on a full queue.
// Stops early with ctx's error once ctx is done.
func (s *Sweeper) SweepOnce(ctx context.Context) (queued, skipped int, err error) {
	stale, err := s.store.ListPending(ctx, s.now().Add(-s.pendingTimeout))
	if err != nil {
		return 0, 0, err
	}
	for _, tx := range stale {
		if err := ctx.Err(); err != nil {
			return queued, skipped, err
		}
		if tx.CorrelationID == "" {
			continue
		}
		if s.pool.Submit(worker.PollJob{Reference: tx.InternalReference}) {
			queued++
		} else {
			skipped++
		}
	}
	if queued > 0 || skipped > 0 {
		log.Ctx(ctx).Info().Int("queued", queued).Int("skipped", skipped).Msg("pending sweep")
	}
	return queued, skipped, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Ctx(ctx).Error().Err(err).Msg("pending sweep failed")
			}
		}
	}
}
