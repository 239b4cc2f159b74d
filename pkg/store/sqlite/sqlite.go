// Package sqlite provides a store.Store backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

// Store implements store.Store with one row per subject.
//
// Timestamps are stored as unix nanoseconds; 0 means unset.
type Store struct {
	db *sql.DB
}

var (
	_ store.Store                  = (*Store)(nil)
	_ store.ConditionalIncrementer = (*Store)(nil)
)

const createTable = `
CREATE TABLE IF NOT EXISTS subjects (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	anonymous INTEGER NOT NULL DEFAULT 0,
	premium INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	daily_message_count INTEGER NOT NULL DEFAULT 0,
	daily_reset INTEGER NOT NULL DEFAULT 0,
	daily_pro_message_count INTEGER NOT NULL DEFAULT 0,
	daily_pro_reset INTEGER NOT NULL DEFAULT 0,
	special_agent_count INTEGER NOT NULL DEFAULT 0,
	special_agent_reset INTEGER NOT NULL DEFAULT 0,
	last_active_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subjects_last_active ON subjects(last_active_at);
`

const selectColumns = `id, email, anonymous, premium, message_count,
	daily_message_count, daily_reset,
	daily_pro_message_count, daily_pro_reset,
	special_agent_count, special_agent_reset,
	last_active_at, created_at`

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open subject db: %w", err)
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate subject db: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (models.Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM subjects WHERE id = ?`, id)
	sub, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subject{}, store.ErrNotFound
	}
	if err != nil {
		return models.Subject{}, fmt.Errorf("get subject: %w", err)
	}
	return sub, nil
}

// Update applies p to the record for id in a single UPDATE statement.
func (s *Store) Update(ctx context.Context, id string, p models.Patch) error {
	var sets []string
	var args []any

	for _, c := range models.QuotaClasses {
		count, window := c.Fields()
		if n, ok := p.Counts[c]; ok {
			sets = append(sets, count+" = ?")
			args = append(args, n)
		}
		if t, ok := p.WindowStarts[c]; ok {
			sets = append(sets, window+" = ?")
			args = append(args, toNanos(t))
		}
	}
	if p.MessageCount != nil {
		sets = append(sets, "message_count = ?")
		args = append(args, *p.MessageCount)
	}
	if p.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		args = append(args, toNanos(*p.LastActiveAt))
	}

	if len(sets) == 0 {
		// Still report a missing record.
		_, err := s.Get(ctx, id)
		return err
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Create inserts sub unless a row already exists for sub.ID.
func (s *Store) Create(ctx context.Context, sub models.Subject) (models.Subject, bool, error) {
	gen := sub.Counter(models.QuotaGeneral)
	pro := sub.Counter(models.QuotaPro)
	sa := sub.Counter(models.QuotaSpecialAgent)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (`+selectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sub.ID, sub.Email, sub.Anonymous, sub.Premium, sub.MessageCount,
		gen.Count, toNanos(gen.WindowStart),
		pro.Count, toNanos(pro.WindowStart),
		sa.Count, toNanos(sa.WindowStart),
		toNanos(sub.LastActiveAt), toNanos(sub.CreatedAt),
	)
	if err != nil {
		return models.Subject{}, false, fmt.Errorf("create subject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Subject{}, false, fmt.Errorf("create subject: %w", err)
	}

	stored, err := s.Get(ctx, sub.ID)
	if err != nil {
		return models.Subject{}, false, err
	}
	return stored, n == 1, nil
}

// IncrementIfBelow performs rollover, limit comparison and increment in one
// UPDATE. When the row is refused it falls back to persisting the rollover
// alone so the window still advances.
func (s *Store) IncrementIfBelow(ctx context.Context, id string, class models.QuotaClass, limit int64, now time.Time) (store.IncrementResult, error) {
	count, window := class.Fields()
	dayStart := models.UTCDay(now)
	start, end := dayStart.UnixNano(), dayStart.AddDate(0, 0, 1).UnixNano()
	nowNs := now.UTC().UnixNano()

	expired := fmt.Sprintf("(%s < ? OR %s >= ?)", window, window)
	extra := ""
	if class == models.QuotaGeneral {
		extra = ", message_count = message_count + 1"
	}

	q := fmt.Sprintf(`UPDATE subjects SET
		%[1]s = CASE WHEN %[3]s THEN 1 ELSE %[1]s + 1 END,
		%[2]s = CASE WHEN %[3]s THEN ? ELSE %[2]s END,
		last_active_at = ?%[4]s
		WHERE id = ? AND (CASE WHEN %[3]s THEN 0 ELSE %[1]s END) < ?
		RETURNING %[1]s, %[2]s`, count, window, expired, extra)

	var res store.IncrementResult
	var ws int64
	err := s.db.QueryRowContext(ctx, q,
		start, end,
		start, end, nowNs,
		nowNs,
		id, start, end, limit,
	).Scan(&res.Count, &ws)
	switch {
	case err == nil:
		res.Applied = true
		res.Rolled = ws == nowNs
		res.WindowStart = fromNanos(ws)
		return res, nil
	case !errors.Is(err, sql.ErrNoRows):
		return store.IncrementResult{}, fmt.Errorf("conditional increment: %w", err)
	}

	// Refused or missing: persist the rollover, if due, and report the count.
	rq := fmt.Sprintf(`UPDATE subjects SET %s = 0, %s = ? WHERE id = ? AND %s`, count, window, expired)
	r, err := s.db.ExecContext(ctx, rq, nowNs, id, start, end)
	if err != nil {
		return store.IncrementResult{}, fmt.Errorf("rollover: %w", err)
	}
	if n, _ := r.RowsAffected(); n > 0 {
		res.Rolled = true
	}

	sub, err := s.Get(ctx, id)
	if err != nil {
		return store.IncrementResult{}, err
	}
	ctr := sub.Counter(class)
	res.Count = ctr.Count
	res.WindowStart = ctr.WindowStart
	return res, nil
}

// List returns all subjects ordered by most recent activity.
func (s *Store) List(ctx context.Context, limit int) ([]models.Subject, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM subjects ORDER BY last_active_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubject(row scanner) (models.Subject, error) {
	var (
		sub                   models.Subject
		gen, pro, sa          models.Counter
		genWS, proWS, saWS    int64
		lastActive, createdAt int64
	)
	err := row.Scan(&sub.ID, &sub.Email, &sub.Anonymous, &sub.Premium, &sub.MessageCount,
		&gen.Count, &genWS,
		&pro.Count, &proWS,
		&sa.Count, &saWS,
		&lastActive, &createdAt,
	)
	if err != nil {
		return models.Subject{}, err
	}
	gen.WindowStart = fromNanos(genWS)
	pro.WindowStart = fromNanos(proWS)
	sa.WindowStart = fromNanos(saWS)
	sub.SetCounter(models.QuotaGeneral, gen)
	sub.SetCounter(models.QuotaPro, pro)
	sub.SetCounter(models.QuotaSpecialAgent, sa)
	sub.LastActiveAt = fromNanos(lastActive)
	sub.CreatedAt = fromNanos(createdAt)
	return sub, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
