//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
	storepg "github.com/nexiloop/nexiloop/pkg/store/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/nexiloop_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *storepg.Store {
	t.Helper()
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := storepg.New(pool, storepg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %ssubjects", prefix))
	})
	return s
}

func TestCreateGetUpdate(t *testing.T) {
	s := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	now := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	sub, created, err := s.Create(ctx, store.NewSubject("u1", false, now))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || sub.Anonymous {
		t.Fatalf("unexpected create result: created=%v sub=%+v", created, sub)
	}
	_, created, _ = s.Create(ctx, store.NewSubject("u1", true, now))
	if created {
		t.Fatal("expected second create to keep the existing row")
	}

	var p models.Patch
	p.SetCount(models.QuotaGeneral, 4)
	p.SetWindowStart(models.QuotaGeneral, now)
	if err := s.Update(ctx, "u1", p); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	gen := got.Counter(models.QuotaGeneral)
	if gen.Count != 4 || !gen.WindowStart.Equal(now) {
		t.Fatalf("unexpected general counter %+v", gen)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.IncrementIfBelow(ctx, "missing", models.QuotaPro, 1, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementIfBelowConcurrent(t *testing.T) {
	s := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, _ = s.Create(ctx, store.NewSubject("u1", true, now))

	var applied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.IncrementIfBelow(ctx, "u1", models.QuotaGeneral, 5, now)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 5 {
		t.Fatalf("expected 5 applied increments, got %d", applied.Load())
	}
}
