// Package store defines the document store contract the quota ledger
// reads and writes subject records through.
//
// A Store is atomic per single-record call and offers no multi-record
// transactions. Backends that can also perform a rollover, compare and
// increment in one round trip implement ConditionalIncrementer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexiloop/nexiloop/pkg/models"
)

// ErrNotFound is returned when no record exists for a subject id.
var ErrNotFound = errors.New("subject not found")

// Store persists subject quota records keyed by subject id.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (models.Subject, error)
	// Update applies a partial update to the record for id, or returns ErrNotFound.
	// Writes are last-write-wins per field.
	Update(ctx context.Context, id string, p models.Patch) error
	// Create inserts s if no record exists for s.ID. It returns the stored
	// record and whether it was created by this call.
	Create(ctx context.Context, s models.Subject) (models.Subject, bool, error)
	// Close releases resources.
	Close() error
}

// IncrementResult reports the outcome of a conditional increment.
type IncrementResult struct {
	// Applied is true when the count was incremented.
	Applied bool
	// Rolled is true when the window was reset during the call.
	Rolled bool
	// Count is the count after the call.
	Count int64
	// WindowStart is the window start after the call.
	WindowStart time.Time
}

// ConditionalIncrementer is implemented by stores that can roll the daily
// window, compare against a limit and increment in a single atomic step.
type ConditionalIncrementer interface {
	// IncrementIfBelow resets the class counter when its window is not on
	// the UTC day of now, then increments it if the result stays within
	// limit. For the general class the lifetime message count is bumped too.
	IncrementIfBelow(ctx context.Context, id string, class models.QuotaClass, limit int64, now time.Time) (IncrementResult, error)
}

// NewSubject returns a fresh record with zero counters and unopened windows.
func NewSubject(id string, anonymous bool, now time.Time) models.Subject {
	s := models.Subject{
		ID:        id,
		Anonymous: anonymous,
		Counters:  make(map[models.QuotaClass]models.Counter, len(models.QuotaClasses)),
		CreatedAt: now.UTC(),
	}
	for _, c := range models.QuotaClasses {
		s.Counters[c] = models.Counter{}
	}
	return s
}
