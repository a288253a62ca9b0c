package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
	"github.com/markjakearzadon/pushpay-gateway/internal/store"
)

// memMirror keeps saved records in a map.
type memMirror struct {
	mu    sync.Mutex
	saved map[string]models.Transaction
}

func (m *memMirror) Save(_ context.Context, tx models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]models.Transaction{}
	}
	m.saved[tx.InternalReference] = tx.Clone()
	return nil
}

func (m *memMirror) LoadAll(context.Context) ([]models.Transaction, error) { return nil, nil }

// MockPublisher records every published event.
type MockPublisher struct {
	mu     sync.Mutex
	Events []string
	Err    error
}

func (p *MockPublisher) Publish(_ context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, routingKey)
	return p.Err
}

func (p *MockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), &memMirror{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func seedPending(t *testing.T, s *store.Store, ref, correlationID string) {
	t.Helper()
	err := s.Create(context.Background(), models.Transaction{
		InternalReference: ref,
		CorrelationID:     correlationID,
		PhoneNumber:       "254712345678",
		Amount:            100,
		Description:       "order",
		Status:            models.StatusPending,
		CreatedAt:         time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", ref, err)
	}
}

func amountPtr(v int64) *int64 { return &v }

func TestReconcilerResolve(t *testing.T) {
	receipt := &models.Receipt{Number: "ABC123", Amount: amountPtr(100), Phone: "254712345678", Timestamp: "20240301120000"}

	tests := []struct {
		name        string
		results     []Result
		wantStatus  models.Status
		wantReceipt string
		wantCode    *int
		wantEvents  []string
	}{
		{
			name:        "Given success callback When resolved Then completed with receipt",
			results:     []Result{{Code: 0, Description: "ok", Receipt: receipt, Source: models.ResolvedByCallback}},
			wantStatus:  models.StatusCompleted,
			wantReceipt: "ABC123",
			wantEvents:  []string{"transaction.completed"},
		},
		{
			name:       "Given cancel code When resolved Then failed",
			results:    []Result{{Code: 1032, Description: "cancelled", Source: models.ResolvedByCallback}},
			wantStatus: models.StatusFailed,
			wantEvents: []string{"transaction.failed"},
		},
		{
			name: "Given failure then success When resolved Then failure wins",
			results: []Result{
				{Code: 1, Description: "insufficient", Source: models.ResolvedByCallback},
				{Code: 0, Description: "ok", Receipt: receipt, Source: models.ResolvedByCallback},
			},
			wantStatus: models.StatusFailed,
			wantEvents: []string{"transaction.failed"},
		},
		{
			name: "Given duplicate success When resolved twice Then one event",
			results: []Result{
				{Code: 0, Description: "ok", Receipt: receipt, Source: models.ResolvedByCallback},
				{Code: 0, Description: "ok", Receipt: receipt, Source: models.ResolvedByCallback},
			},
			wantStatus:  models.StatusCompleted,
			wantReceipt: "ABC123",
			wantEvents:  []string{"transaction.completed"},
		},
		{
			name:       "Given in-progress code When resolved Then still pending",
			results:    []Result{{Code: models.ResultInProgress, Description: "processing", Source: models.ResolvedByPoll}},
			wantStatus: models.StatusPending,
		},
		{
			name:       "Given poll success When resolved Then completed without receipt",
			results:    []Result{{Code: 0, Description: "processed", Source: models.ResolvedByPoll}},
			wantStatus: models.StatusCompleted,
			wantEvents: []string{"transaction.completed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seedPending(t, s, "ref-1", "ws_CO_1")
			pub := &MockPublisher{}
			r := NewReconciler(s, pub)

			for _, res := range tt.results {
				if _, _, err := r.ResolveByCorrelation(context.Background(), "ws_CO_1", res); err != nil {
					t.Fatalf("ResolveByCorrelation: %v", err)
				}
			}

			got, err := s.GetByReference(context.Background(), "ref-1")
			if err != nil {
				t.Fatalf("GetByReference: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.ReceiptNumber != tt.wantReceipt {
				t.Errorf("receipt = %q, want %q", got.ReceiptNumber, tt.wantReceipt)
			}
			if tt.wantStatus.Terminal() {
				if got.ResultCode == nil || *got.ResultCode != tt.results[0].Code {
					t.Errorf("result code = %v, want %d", got.ResultCode, tt.results[0].Code)
				}
				if got.TerminalAt == nil {
					t.Error("terminal transaction without TerminalAt")
				}
			} else if got.ResultCode != nil {
				t.Errorf("pending transaction has result code %d", *got.ResultCode)
			}
			if len(pub.Events) != len(tt.wantEvents) {
				t.Fatalf("events = %v, want %v", pub.Events, tt.wantEvents)
			}
			for i := range tt.wantEvents {
				if pub.Events[i] != tt.wantEvents[i] {
					t.Errorf("event %d = %s, want %s", i, pub.Events[i], tt.wantEvents[i])
				}
			}
		})
	}
}

func TestReconcilerConcurrentResults(t *testing.T) {
	s := newTestStore(t)
	seedPending(t, s, "ref-1", "ws_CO_1")
	pub := &MockPublisher{}
	r := NewReconciler(s, pub)

	var wg sync.WaitGroup
	var mu sync.Mutex
	changedCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := Result{Code: 0, Source: models.ResolvedByCallback, Receipt: &models.Receipt{Number: "ABC123"}}
			if i%2 == 1 {
				res = Result{Code: 1, Source: models.ResolvedByPoll}
			}
			_, changed, err := r.ResolveByCorrelation(context.Background(), "ws_CO_1", res)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			if changed {
				mu.Lock()
				changedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if changedCount != 1 {
		t.Errorf("%d results changed the record, want exactly 1", changedCount)
	}
	if pub.count() != 1 {
		t.Errorf("%d events published, want 1", pub.count())
	}
	got, _ := s.GetByReference(context.Background(), "ref-1")
	if !got.Status.Terminal() {
		t.Errorf("status = %s, want terminal", got.Status)
	}
	if got.Status == models.StatusCompleted && got.ReceiptNumber != "ABC123" {
		t.Errorf("completed by callback but receipt = %q", got.ReceiptNumber)
	}
}

func TestReconcilerErrors(t *testing.T) {
	s := newTestStore(t)
	seedPending(t, s, "no-corr", "")
	r := NewReconciler(s, nil)
	ctx := context.Background()

	if _, _, err := r.ResolveByCorrelation(ctx, "ws_CO_missing", Result{Code: 0}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown correlation id: err = %v, want ErrNotFound", err)
	}
	if _, _, err := r.ResolveByReference(ctx, "missing", Result{Code: 0}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown reference: err = %v, want ErrNotFound", err)
	}
	if _, _, err := r.ResolveByReference(ctx, "no-corr", Result{Code: 0}); !errors.Is(err, models.ErrUnresolvable) {
		t.Errorf("no correlation id: err = %v, want ErrUnresolvable", err)
	}
}

func TestReconcilerPublishFailureKeepsTransition(t *testing.T) {
	s := newTestStore(t)
	seedPending(t, s, "ref-1", "ws_CO_1")
	r := NewReconciler(s, &MockPublisher{Err: errors.New("broker down")})

	tx, changed, err := r.ResolveByCorrelation(context.Background(), "ws_CO_1", Result{Code: 0, Source: models.ResolvedByCallback})
	if err != nil || !changed {
		t.Fatalf("ResolveByCorrelation = %v, %v; want changed, nil", changed, err)
	}
	if tx.Status != models.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", tx.Status)
	}
}

func TestReconcilerTerminalAtMillisecondPrecision(t *testing.T) {
	s := newTestStore(t)
	seedPending(t, s, "ref-1", "ws_CO_1")
	r := NewReconciler(s, &MockPublisher{})
	r.now = func() time.Time { return time.Date(2024, 3, 1, 9, 5, 0, 123456789, time.UTC) }

	tx, _, err := r.ResolveByCorrelation(context.Background(), "ws_CO_1", Result{Code: 0, Source: models.ResolvedByCallback})
	if err != nil {
		t.Fatalf("ResolveByCorrelation: %v", err)
	}
	want := time.Date(2024, 3, 1, 9, 5, 0, 123000000, time.UTC)
	if tx.TerminalAt == nil || !tx.TerminalAt.Equal(want) {
		t.Errorf("TerminalAt = %v, want %v", tx.TerminalAt, want)
	}
}
