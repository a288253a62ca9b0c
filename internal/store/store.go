package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
)

// Mirror is the durable copy of the store. Save must not return until the
// record is durable.
type Mirror interface {
	Save(ctx context.Context, tx models.Transaction) error
	LoadAll(ctx context.Context) ([]models.Transaction, error)
}

// Pinger is implemented by mirrors backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type entry struct {
	mu sync.Mutex
	tx models.Transaction
	// set when a create failed to persist; readers treat the entry as absent
	gone bool
}

// Store is the in-memory index over all transactions, mirrored durably on
// every write. Writes to one record are serialized by that record's lock;
// the index lock is only held for map access.
type Store struct {
	mu            sync.RWMutex
	byRef         map[string]*entry
	byCorrelation map[string]string
	order         []string

	mirror Mirror
}

// Open loads every record from the mirror and rebuilds both indexes.
func Open(ctx context.Context, mirror Mirror) (*Store, error) {
	records, err := mirror.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	s := &Store{
		byRef:         make(map[string]*entry, len(records)),
		byCorrelation: make(map[string]string, len(records)),
		order:         make([]string, 0, len(records)),
		mirror:        mirror,
	}
	for _, tx := range records {
		if _, dup := s.byRef[tx.InternalReference]; dup {
			return nil, fmt.Errorf("load transactions: reference %s: %w", tx.InternalReference, models.ErrDuplicateKey)
		}
		if tx.CorrelationID != "" {
			if other, dup := s.byCorrelation[tx.CorrelationID]; dup {
				return nil, fmt.Errorf("load transactions: correlation id %s on %s and %s: %w",
					tx.CorrelationID, other, tx.InternalReference, models.ErrDuplicateKey)
			}
			s.byCorrelation[tx.CorrelationID] = tx.InternalReference
		}
		s.byRef[tx.InternalReference] = &entry{tx: tx.Clone()}
		s.order = append(s.order, tx.InternalReference)
	}
	return s, nil
}

// Create inserts a new record. Fails with ErrDuplicateKey when the reference or
// the correlation id is already taken.
func (s *Store) Create(ctx context.Context, tx models.Transaction) error {
	if tx.InternalReference == "" {
		return models.NewValidationError("internalReference", "is required")
	}
	if tx.Status == "" {
		tx.Status = models.StatusPending
	}

	e := &entry{tx: tx.Clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.byRef[tx.InternalReference]; ok {
		s.mu.Unlock()
		return fmt.Errorf("reference %s: %w", tx.InternalReference, models.ErrDuplicateKey)
	}
	if tx.CorrelationID != "" {
		if _, ok := s.byCorrelation[tx.CorrelationID]; ok {
			s.mu.Unlock()
			return fmt.Errorf("correlation id %s: %w", tx.CorrelationID, models.ErrDuplicateKey)
		}
		s.byCorrelation[tx.CorrelationID] = tx.InternalReference
	}
	s.byRef[tx.InternalReference] = e
	s.order = append(s.order, tx.InternalReference)
	s.mu.Unlock()

	if err := s.mirror.Save(ctx, e.tx); err != nil {
		e.gone = true
		s.forget(tx.InternalReference, tx.CorrelationID)
		return fmt.Errorf("persist transaction %s: %w", tx.InternalReference, err)
	}
	return nil
}

func (s *Store) GetByReference(_ context.Context, ref string) (models.Transaction, error) {
	s.mu.RLock()
	e, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return models.Transaction{}, fmt.Errorf("reference %s: %w", ref, models.ErrNotFound)
	}
	return e.snapshot(ref)
}

func (s *Store) GetByCorrelationID(_ context.Context, id string) (models.Transaction, error) {
	if id == "" {
		return models.Transaction{}, fmt.Errorf("empty correlation id: %w", models.ErrNotFound)
	}
	s.mu.RLock()
	ref, ok := s.byCorrelation[id]
	var e *entry
	if ok {
		e = s.byRef[ref]
	}
	s.mu.RUnlock()
	if e == nil {
		return models.Transaction{}, fmt.Errorf("correlation id %s: %w", id, models.ErrNotFound)
	}
	return e.snapshot(ref)
}

// RefForCorrelation resolves a correlation id to its internal reference.
func (s *Store) RefForCorrelation(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.byCorrelation[id]
	return ref, ok
}

// Update replaces the whole record and persists it before returning.
func (s *Store) Update(ctx context.Context, tx models.Transaction) error {
	e, err := s.lookup(tx.InternalReference)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return fmt.Errorf("reference %s: %w", tx.InternalReference, models.ErrNotFound)
	}
	return s.replaceLocked(ctx, e, tx.Clone())
}

// Transition runs fn on a copy of the record while holding that record's lock.
// When fn reports a change the new version is persisted before the lock is
// released. Returns the record as stored afterwards.
func (s *Store) Transition(ctx context.Context, ref string, fn func(tx *models.Transaction) bool) (models.Transaction, bool, error) {
	e, err := s.lookup(ref)
	if err != nil {
		return models.Transaction{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return models.Transaction{}, false, fmt.Errorf("reference %s: %w", ref, models.ErrNotFound)
	}

	next := e.tx.Clone()
	if !fn(&next) {
		return e.tx.Clone(), false, nil
	}
	if err := s.replaceLocked(ctx, e, next); err != nil {
		return e.tx.Clone(), false, err
	}
	return e.tx.Clone(), true, nil
}

// ListAll returns a snapshot in insertion order.
func (s *Store) ListAll(_ context.Context) ([]models.Transaction, error) {
	return s.collect(func(models.Transaction) bool { return true }), nil
}

// ListPending returns PENDING records created before the cutoff.
func (s *Store) ListPending(_ context.Context, createdBefore time.Time) ([]models.Transaction, error) {
	return s.collect(func(tx models.Transaction) bool {
		return tx.Status == models.StatusPending && tx.CreatedAt.Before(createdBefore)
	}), nil
}

// Ping checks the mirror when it is backed by a remote database.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.mirror.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) collect(keep func(models.Transaction) bool) []models.Transaction {
	s.mu.RLock()
	refs := make([]string, len(s.order))
	copy(refs, s.order)
	entries := make([]*entry, len(refs))
	for i, ref := range refs {
		entries[i] = s.byRef[ref]
	}
	s.mu.RUnlock()

	out := make([]models.Transaction, 0, len(entries))
	for i, e := range entries {
		if e == nil {
			continue
		}
		tx, err := e.snapshot(refs[i])
		if err != nil {
			continue
		}
		if keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

// replaceLocked validates next against the current record and persists it.
// Caller holds e.mu.
func (s *Store) replaceLocked(ctx context.Context, e *entry, next models.Transaction) error {
	cur := e.tx
	if err := checkReplace(cur, next); err != nil {
		return err
	}

	assigned := cur.CorrelationID == "" && next.CorrelationID != ""
	if assigned {
		s.mu.Lock()
		if other, taken := s.byCorrelation[next.CorrelationID]; taken && other != cur.InternalReference {
			s.mu.Unlock()
			return fmt.Errorf("correlation id %s: %w", next.CorrelationID, models.ErrDuplicateKey)
		}
		s.byCorrelation[next.CorrelationID] = cur.InternalReference
		s.mu.Unlock()
	}

	if err := s.mirror.Save(ctx, next); err != nil {
		if assigned {
			s.mu.Lock()
			delete(s.byCorrelation, next.CorrelationID)
			s.mu.Unlock()
		}
		return fmt.Errorf("persist transaction %s: %w", cur.InternalReference, err)
	}
	e.tx = next
	return nil
}

func checkReplace(cur, next models.Transaction) error {
	if next.InternalReference != cur.InternalReference {
		return fmt.Errorf("internalReference: %w", models.ErrImmutable)
	}
	if cur.CorrelationID != "" && next.CorrelationID != cur.CorrelationID {
		return fmt.Errorf("correlationId on %s: %w", cur.InternalReference, models.ErrImmutable)
	}
	if next.PhoneNumber != cur.PhoneNumber || next.Amount != cur.Amount ||
		next.Description != cur.Description || !next.CreatedAt.Equal(cur.CreatedAt) {
		return fmt.Errorf("request facts on %s: %w", cur.InternalReference, models.ErrImmutable)
	}
	switch next.Status {
	case models.StatusPending, models.StatusCompleted, models.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q: %w", next.Status, models.ErrInvalidTransition)
	}
	if cur.Status.Terminal() && next.Status != cur.Status {
		return fmt.Errorf("%s -> %s on %s: %w", cur.Status, next.Status, cur.InternalReference, models.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) lookup(ref string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", ref, models.ErrNotFound)
	}
	return e, nil
}

func (s *Store) forget(ref, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRef, ref)
	if correlationID != "" && s.byCorrelation[correlationID] == ref {
		delete(s.byCorrelation, correlationID)
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		if s.order[i] == ref {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (e *entry) snapshot(ref string) (models.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return models.Transaction{}, fmt.Errorf("reference %s: %w", ref, models.ErrNotFound)
	}
	return e.tx.Clone(), nil
}
