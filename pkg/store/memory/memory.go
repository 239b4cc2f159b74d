// Package memory provides an in-process Store. Records are lost when the
// process exits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

// Store is an in-memory store.Store guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	subjects map[string]*models.Subject
}

var (
	_ store.Store                  = (*Store)(nil)
	_ store.ConditionalIncrementer = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{subjects: make(map[string]*models.Subject)}
}

// Get returns a copy of the record for id.
func (s *Store) Get(ctx context.Context, id string) (models.Subject, error) {
	if err := ctx.Err(); err != nil {
		return models.Subject{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subjects[id]
	if !ok {
		return models.Subject{}, store.ErrNotFound
	}
	return clone(sub), nil
}

// Update applies p to the record for id.
func (s *Store) Update(ctx context.Context, id string, p models.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subjects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Apply(sub)
	return nil
}

// Create inserts sub unless a record already exists.
func (s *Store) Create(ctx context.Context, sub models.Subject) (models.Subject, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Subject{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subjects[sub.ID]; ok {
		return clone(existing), false, nil
	}
	c := clone(&sub)
	s.subjects[sub.ID] = &c
	return clone(&c), true, nil
}

// IncrementIfBelow rolls, compares and increments under the write lock.
func (s *Store) IncrementIfBelow(ctx context.Context, id string, class models.QuotaClass, limit int64, now time.Time) (store.IncrementResult, error) {
	if err := ctx.Err(); err != nil {
		return store.IncrementResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subjects[id]
	if !ok {
		return store.IncrementResult{}, store.ErrNotFound
	}

	var res store.IncrementResult
	ctr := sub.Counter(class)
	if !models.SameUTCDay(ctr.WindowStart, now) {
		ctr = models.Counter{Count: 0, WindowStart: now.UTC()}
		res.Rolled = true
	}
	if ctr.Count < limit {
		ctr.Count++
		res.Applied = true
		t := now.UTC()
		sub.LastActiveAt = t
		if class == models.QuotaGeneral {
			sub.MessageCount++
		}
	}
	sub.SetCounter(class, ctr)

	res.Count = ctr.Count
	res.WindowStart = ctr.WindowStart
	return res, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subjects)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func clone(sub *models.Subject) models.Subject {
	c := *sub
	c.Counters = make(map[models.QuotaClass]models.Counter, len(sub.Counters))
	for k, v := range sub.Counters {
		c.Counters[k] = v
	}
	return c
}
