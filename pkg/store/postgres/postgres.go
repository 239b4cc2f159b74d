// Package postgres provides a PostgreSQL-backed store.Store, used for the
// Supabase fallback deployment.
//
// Every operation is a single statement, so the per-record atomicity the
// ledger relies on comes from PostgreSQL row locking.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ store.Store                  = (*Store)(nil)
	_ store.ConditionalIncrementer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "nexiloop_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "nexiloop_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn, verifies it and ensures the schema exists.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) table() string { return s.tablePrefix + "subjects" }

const selectColumns = `id, email, anonymous, premium, message_count,
	daily_message_count, daily_reset,
	daily_pro_message_count, daily_pro_reset,
	special_agent_count, special_agent_reset,
	last_active_at, created_at`

// EnsureSchema creates the subjects table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			anonymous BOOLEAN NOT NULL DEFAULT false,
			premium BOOLEAN NOT NULL DEFAULT false,
			message_count BIGINT NOT NULL DEFAULT 0,
			daily_message_count BIGINT NOT NULL DEFAULT 0,
			daily_reset TIMESTAMPTZ,
			daily_pro_message_count BIGINT NOT NULL DEFAULT 0,
			daily_pro_reset TIMESTAMPTZ,
			special_agent_count BIGINT NOT NULL DEFAULT 0,
			special_agent_reset TIMESTAMPTZ,
			last_active_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres ensure schema: %w", err)
	}
	return nil
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (models.Subject, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table()), id)
	sub, err := scanSubject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subject{}, store.ErrNotFound
	}
	if err != nil {
		return models.Subject{}, fmt.Errorf("postgres get subject: %w", err)
	}
	return sub, nil
}

// Update applies p in a single UPDATE statement.
func (s *Store) Update(ctx context.Context, id string, p models.Patch) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	for _, c := range models.QuotaClasses {
		count, window := c.Fields()
		if n, ok := p.Counts[c]; ok {
			add(count, n)
		}
		if t, ok := p.WindowStarts[c]; ok {
			add(window, nullTime(t))
		}
	}
	if p.MessageCount != nil {
		add("message_count", *p.MessageCount)
	}
	if p.LastActiveAt != nil {
		add("last_active_at", nullTime(*p.LastActiveAt))
	}

	if len(sets) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}

	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, s.table(), strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("postgres update subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Create inserts sub unless a row exists for sub.ID.
func (s *Store) Create(ctx context.Context, sub models.Subject) (models.Subject, bool, error) {
	gen := sub.Counter(models.QuotaGeneral)
	pro := sub.Counter(models.QuotaPro)
	sa := sub.Counter(models.QuotaSpecialAgent)
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`, s.table(), selectColumns),
		sub.ID, sub.Email, sub.Anonymous, sub.Premium, sub.MessageCount,
		gen.Count, nullTime(gen.WindowStart),
		pro.Count, nullTime(pro.WindowStart),
		sa.Count, nullTime(sa.WindowStart),
		nullTime(sub.LastActiveAt), createdAt,
	)
	if err != nil {
		return models.Subject{}, false, fmt.Errorf("postgres create subject: %w", err)
	}

	stored, err := s.Get(ctx, sub.ID)
	if err != nil {
		return models.Subject{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// IncrementIfBelow performs rollover, comparison and increment in one UPDATE.
func (s *Store) IncrementIfBelow(ctx context.Context, id string, class models.QuotaClass, limit int64, now time.Time) (store.IncrementResult, error) {
	count, window := class.Fields()
	// PostgreSQL keeps microseconds; truncate so the returned window compares equal.
	now = now.UTC().Truncate(time.Microsecond)
	dayStart := models.UTCDay(now)

	// $1 = now, $2 = day start, $3 = next day start, $4 = id, $5 = limit
	expired := expiredClause(window, 2, 3)
	extra := ""
	if class == models.QuotaGeneral {
		extra = ", message_count = message_count + 1"
	}

	q := fmt.Sprintf(`UPDATE %[5]s SET
			%[1]s = CASE WHEN %[3]s THEN 1 ELSE %[1]s + 1 END,
			%[2]s = CASE WHEN %[3]s THEN $1 ELSE %[2]s END,
			last_active_at = $1%[4]s
		WHERE id = $4 AND (CASE WHEN %[3]s THEN 0 ELSE %[1]s END) < $5
		RETURNING %[1]s, %[2]s`, count, window, expired, extra, s.table())

	var res store.IncrementResult
	var ws *time.Time
	err := s.pool.QueryRow(ctx, q, now, dayStart, dayStart.AddDate(0, 0, 1), id, limit).Scan(&res.Count, &ws)
	switch {
	case err == nil:
		res.Applied = true
		if ws != nil {
			res.WindowStart = ws.UTC()
			res.Rolled = res.WindowStart.Equal(now)
		}
		return res, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.IncrementResult{}, fmt.Errorf("postgres conditional increment: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = 0, %s = $1 WHERE id = $2 AND %s`,
			s.table(), count, window, expiredClause(window, 3, 4)),
		now, id, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return store.IncrementResult{}, fmt.Errorf("postgres rollover: %w", err)
	}
	res.Rolled = tag.RowsAffected() > 0

	sub, err := s.Get(ctx, id)
	if err != nil {
		return store.IncrementResult{}, err
	}
	ctr := sub.Counter(class)
	res.Count = ctr.Count
	res.WindowStart = ctr.WindowStart
	return res, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSubject(row pgx.Row) (models.Subject, error) {
	var (
		sub                models.Subject
		gen, pro, sa       models.Counter
		genWS, proWS, saWS *time.Time
		lastActive         *time.Time
	)
	err := row.Scan(&sub.ID, &sub.Email, &sub.Anonymous, &sub.Premium, &sub.MessageCount,
		&gen.Count, &genWS,
		&pro.Count, &proWS,
		&sa.Count, &saWS,
		&lastActive, &sub.CreatedAt,
	)
	if err != nil {
		return models.Subject{}, err
	}
	gen.WindowStart = derefTime(genWS)
	pro.WindowStart = derefTime(proWS)
	sa.WindowStart = derefTime(saWS)
	sub.SetCounter(models.QuotaGeneral, gen)
	sub.SetCounter(models.QuotaPro, pro)
	sub.SetCounter(models.QuotaSpecialAgent, sa)
	sub.LastActiveAt = derefTime(lastActive)
	sub.CreatedAt = sub.CreatedAt.UTC()
	return sub, nil
}

// expiredClause matches a window that is unset or outside [$start, $end).
func expiredClause(window string, start, end int) string {
	return fmt.Sprintf("(%[1]s IS NULL OR %[1]s < $%[2]d OR %[1]s >= $%[3]d)", window, start, end)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
