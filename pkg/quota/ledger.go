// Package quota implements the daily usage ledger: per-subject counters for
// the general, pro and special agent classes, reset on UTC date change.
//
// Check followed by Increment is a soft limit; concurrent callers that all
// pass Check may each increment. Consume is the hard-limit path when the
// store supports an atomic conditional increment.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

// Decision is the outcome of a quota check.
type Decision struct {
	SubjectID   string            `json:"user_id"`
	Class       models.QuotaClass `json:"class"`
	Allowed     bool              `json:"allowed"`
	Count       int64             `json:"current_count"`
	Limit       int64             `json:"limit"`
	WindowStart time.Time         `json:"window_start"`
	Rolled      bool              `json:"rolled_over,omitempty"`
}

// Err returns a *QuotaExceededError when the decision is a denial.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &QuotaExceededError{
		Class: d.Class,
		Count: d.Count,
		Limit: d.Limit,
		Code:  CodeFor(d.Class),
	}
}

// Ledger evaluates and records quota usage against a Store.
type Ledger struct {
	store      store.Store
	limits     atomic.Pointer[Limits]
	freeModels atomic.Pointer[map[string]struct{}]
	now        func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLimits sets the initial limit table.
func WithLimits(lim Limits) Option {
	return func(l *Ledger) { l.limits.Store(&lim) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithFreeModels sets the model ids that count against the general class.
// Every other model is a pro model.
func WithFreeModels(ids []string) Option {
	return func(l *Ledger) { l.SetFreeModels(ids) }
}

// New creates a Ledger over s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		now:    time.Now,
		logger: slog.Default(),
	}
	def := DefaultLimits()
	l.limits.Store(&def)
	empty := map[string]struct{}{}
	l.freeModels.Store(&empty)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the current limit table.
func (l *Ledger) Limits() Limits {
	return *l.limits.Load()
}

// SetLimits replaces the limit table. Safe for concurrent use.
func (l *Ledger) SetLimits(lim Limits) {
	l.limits.Store(&lim)
	l.logger.Info("quota limits updated",
		"general_authenticated", lim.GeneralAuthenticated,
		"general_anonymous", lim.GeneralAnonymous,
		"pro", lim.Pro,
		"special_agent", lim.SpecialAgent,
	)
}

// SetFreeModels replaces the free model set. Safe for concurrent use.
func (l *Ledger) SetFreeModels(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	l.freeModels.Store(&m)
}

// ClassForModel returns the class a model counts against.
func (l *Ledger) ClassForModel(modelID string) models.QuotaClass {
	if _, ok := (*l.freeModels.Load())[modelID]; ok {
		return models.QuotaGeneral
	}
	return models.QuotaPro
}

// Check evaluates whether the subject may perform one more action of class.
// An expired window is reset and persisted before the limit is evaluated,
// including when the result is a denial.
func (l *Ledger) Check(ctx context.Context, subjectID string, class models.QuotaClass) (Decision, error) {
	defer l.metrics.observe("check", time.Now())

	if !class.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	sub, err := l.store.Get(ctx, subjectID)
	if err != nil {
		return Decision{}, l.fail("check", subjectID, err)
	}
	if class == models.QuotaPro && sub.Anonymous {
		l.metrics.recordCheck(class, "unauthorized")
		return Decision{}, ErrUnauthorizedForClass
	}

	now := l.now().UTC()
	ctr := sub.Counter(class)
	d := Decision{SubjectID: subjectID, Class: class}

	if Expired(ctr, now) {
		var p models.Patch
		p.SetCount(class, 0)
		p.SetWindowStart(class, now)
		if err := l.store.Update(ctx, subjectID, p); err != nil {
			return Decision{}, l.fail("rollover", subjectID, err)
		}
		ctr = models.Counter{WindowStart: now}
		d.Rolled = true
		l.metrics.recordRollover(class)
		l.logger.Debug("quota window reset", "user_id", subjectID, "class", class)
	}

	d.Count = ctr.Count
	d.WindowStart = ctr.WindowStart
	d.Limit = l.Limits().For(class, sub.Anonymous)
	d.Allowed = d.Count < d.Limit
	l.recordDecision(d)
	return d, nil
}

// Increment records one action of class. It reads the current count unless
// hint is given and does not compare against the limit. The general class
// also bumps the lifetime message count.
func (l *Ledger) Increment(ctx context.Context, subjectID string, class models.QuotaClass, hint *int64) error {
	defer l.metrics.observe("increment", time.Now())

	if !class.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}

	var p models.Patch
	switch {
	case hint != nil && class != models.QuotaGeneral:
		p.SetCount(class, *hint+1)
	default:
		sub, err := l.store.Get(ctx, subjectID)
		if err != nil {
			return l.fail("increment", subjectID, err)
		}
		count := sub.Counter(class).Count
		if hint != nil {
			count = *hint
		}
		p.SetCount(class, count+1)
		if class == models.QuotaGeneral {
			mc := sub.MessageCount + 1
			p.MessageCount = &mc
		}
	}
	now := l.now().UTC()
	p.LastActiveAt = &now

	if err := l.store.Update(ctx, subjectID, p); err != nil {
		return l.fail("increment", subjectID, err)
	}
	l.metrics.recordIncrement(class)
	return nil
}

// CheckByModel checks the class modelID counts against. Pro models are
// refused for unauthenticated callers without reading the store.
func (l *Ledger) CheckByModel(ctx context.Context, subjectID, modelID string, authenticated bool) (Decision, error) {
	class := l.ClassForModel(modelID)
	if class == models.QuotaPro && !authenticated {
		l.metrics.recordCheck(class, "unauthorized")
		return Decision{}, ErrUnauthorizedForClass
	}
	return l.Check(ctx, subjectID, class)
}

// IncrementByModel increments the class modelID counts against. It does
// nothing for a pro model and an unauthenticated caller.
func (l *Ledger) IncrementByModel(ctx context.Context, subjectID, modelID string, authenticated bool) error {
	class := l.ClassForModel(modelID)
	if class == models.QuotaPro && !authenticated {
		return nil
	}
	return l.Increment(ctx, subjectID, class, nil)
}

// Gate checks class, runs fn when allowed and records the usage once fn
// succeeds. A failing fn is not counted.
func (l *Ledger) Gate(ctx context.Context, subjectID string, class models.QuotaClass, fn func(context.Context) error) error {
	d, err := l.Check(ctx, subjectID, class)
	if err != nil {
		return err
	}
	if err := d.Err(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return l.Increment(ctx, subjectID, class, nil)
}

// Track checks class and, when allowed, increments it using the checked
// count. It returns the decision as observed before the increment.
func (l *Ledger) Track(ctx context.Context, subjectID string, class models.QuotaClass) (Decision, error) {
	d, err := l.Check(ctx, subjectID, class)
	if err != nil {
		return d, err
	}
	if err := d.Err(); err != nil {
		return d, err
	}
	count := d.Count
	return d, l.Increment(ctx, subjectID, class, &count)
}

// Consume checks and records one action of class as a single step. Stores
// implementing store.ConditionalIncrementer make this a hard limit; other
// stores fall back to Check then Increment. Count in the returned decision
// is the count after the call.
func (l *Ledger) Consume(ctx context.Context, subjectID string, class models.QuotaClass) (Decision, error) {
	ci, ok := l.store.(store.ConditionalIncrementer)
	if !ok {
		d, err := l.Track(ctx, subjectID, class)
		if err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				return d, nil
			}
			return Decision{}, err
		}
		d.Count++
		return d, nil
	}

	defer l.metrics.observe("consume", time.Now())

	if !class.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	sub, err := l.store.Get(ctx, subjectID)
	if err != nil {
		return Decision{}, l.fail("consume", subjectID, err)
	}
	if class == models.QuotaPro && sub.Anonymous {
		l.metrics.recordCheck(class, "unauthorized")
		return Decision{}, ErrUnauthorizedForClass
	}

	limit := l.Limits().For(class, sub.Anonymous)
	res, err := ci.IncrementIfBelow(ctx, subjectID, class, limit, l.now().UTC())
	if err != nil {
		return Decision{}, l.fail("consume", subjectID, err)
	}
	if res.Rolled {
		l.metrics.recordRollover(class)
		l.logger.Debug("quota window reset", "user_id", subjectID, "class", class)
	}
	if res.Applied {
		l.metrics.recordIncrement(class)
	}

	d := Decision{
		SubjectID:   subjectID,
		Class:       class,
		Allowed:     res.Applied,
		Count:       res.Count,
		Limit:       limit,
		WindowStart: res.WindowStart,
		Rolled:      res.Rolled,
	}
	l.recordDecision(d)
	return d, nil
}

// ValidateIdentity verifies that the subject exists and that its stored
// anonymous flag agrees with the caller's claimed authentication state.
func (l *Ledger) ValidateIdentity(ctx context.Context, subjectID string, authenticated bool) error {
	_, err := l.identify(ctx, subjectID, authenticated)
	return err
}

// Status reports today's usage for every class after validating identity.
// It does not persist window resets.
func (l *Ledger) Status(ctx context.Context, subjectID string, authenticated bool) (models.Usage, error) {
	defer l.metrics.observe("status", time.Now())

	sub, err := l.identify(ctx, subjectID, authenticated)
	if err != nil {
		return models.Usage{}, err
	}

	now := l.now().UTC()
	lim := l.Limits()
	u := models.Usage{
		SubjectID:         subjectID,
		Anonymous:         sub.Anonymous,
		DailyCount:        Effective(sub.Counter(models.QuotaGeneral), now),
		DailyLimit:        lim.For(models.QuotaGeneral, sub.Anonymous),
		DailyProCount:     Effective(sub.Counter(models.QuotaPro), now),
		ProLimit:          lim.Pro,
		SpecialAgentCount: Effective(sub.Counter(models.QuotaSpecialAgent), now),
		SpecialAgentLimit: lim.SpecialAgent,
	}
	u.Remaining = remaining(u.DailyLimit, u.DailyCount)
	u.RemainingPro = remaining(u.ProLimit, u.DailyProCount)
	u.RemainingSpecialAgent = remaining(u.SpecialAgentLimit, u.SpecialAgentCount)
	return u, nil
}

// Register creates the subject record if absent. It returns the stored
// record and whether this call created it.
func (l *Ledger) Register(ctx context.Context, subjectID string, anonymous bool) (models.Subject, bool, error) {
	if subjectID == "" {
		return models.Subject{}, false, errors.New("subject id is required")
	}
	fresh := store.NewSubject(subjectID, anonymous, l.now())
	if anonymous {
		fresh.Email = subjectID + "@anonymous.example"
	}
	sub, created, err := l.store.Create(ctx, fresh)
	if err != nil {
		return models.Subject{}, false, l.fail("register", subjectID, err)
	}
	if created {
		l.logger.Info("subject registered", "user_id", subjectID, "anonymous", anonymous)
	}
	return sub, created, nil
}

// Subject returns the raw stored record.
func (l *Ledger) Subject(ctx context.Context, subjectID string) (models.Subject, error) {
	sub, err := l.store.Get(ctx, subjectID)
	if err != nil {
		return models.Subject{}, l.fail("get", subjectID, err)
	}
	return sub, nil
}

func (l *Ledger) identify(ctx context.Context, subjectID string, authenticated bool) (models.Subject, error) {
	sub, err := l.store.Get(ctx, subjectID)
	if err != nil {
		return models.Subject{}, l.fail("validate", subjectID, err)
	}
	if sub.Anonymous == authenticated {
		return models.Subject{}, ErrIdentityMismatch
	}
	return sub, nil
}

func (l *Ledger) recordDecision(d Decision) {
	if d.Allowed {
		l.metrics.recordCheck(d.Class, "allowed")
		return
	}
	l.metrics.recordCheck(d.Class, "denied")
	l.logger.Info("quota limit reached",
		"user_id", d.SubjectID,
		"class", d.Class,
		"count", d.Count,
		"limit", d.Limit,
	)
}

// fail classifies a store error. Missing records keep ErrNotFound in the
// chain; anything else becomes a *StorageError.
func (l *Ledger) fail(op, subjectID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, subjectID, ErrNotFound)
	}
	l.metrics.recordStorageError(op)
	l.logger.Error("quota store failure", "op", op, "user_id", subjectID, "error", err)
	return &StorageError{Op: op, SubjectID: subjectID, Err: err}
}
