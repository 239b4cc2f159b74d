package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)

	sub := store.NewSubject("guest-1", true, now)
	sub.Email = "guest-1@anonymous.example"

	got, created, err := s.Create(ctx, sub)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected record to be created")
	}
	if got.ID != "guest-1" || !got.Anonymous || got.Email != sub.Email {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}
	for _, c := range models.QuotaClasses {
		ctr := got.Counter(c)
		if ctr.Count != 0 || !ctr.WindowStart.IsZero() {
			t.Errorf("class %s: expected fresh counter, got %+v", c, ctr)
		}
	}

	again, created, err := s.Create(ctx, store.NewSubject("guest-1", false, now))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected existing record to be kept")
	}
	if !again.Anonymous {
		t.Error("existing record was overwritten")
	}
}

func TestUpdatePatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	_, _, _ = s.Create(ctx, store.NewSubject("u1", false, now))

	var p models.Patch
	p.SetCount(models.QuotaPro, 12)
	p.SetWindowStart(models.QuotaPro, now)
	mc := int64(40)
	p.MessageCount = &mc
	p.LastActiveAt = &now
	if err := s.Update(ctx, "u1", p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	pro := got.Counter(models.QuotaPro)
	if pro.Count != 12 || !pro.WindowStart.Equal(now) {
		t.Errorf("unexpected pro counter %+v", pro)
	}
	if got.Counter(models.QuotaGeneral).Count != 0 {
		t.Error("general counter should be untouched")
	}
	if got.MessageCount != 40 {
		t.Errorf("expected message count 40, got %d", got.MessageCount)
	}
	if !got.LastActiveAt.Equal(now) {
		t.Errorf("expected last active %v, got %v", now, got.LastActiveAt)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
	var p models.Patch
	p.SetCount(models.QuotaGeneral, 1)
	if err := s.Update(ctx, "missing", p); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Update, got %v", err)
	}
	if _, err := s.IncrementIfBelow(ctx, "missing", models.QuotaGeneral, 5, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from IncrementIfBelow, got %v", err)
	}
}

func TestIncrementIfBelow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	_, _, _ = s.Create(ctx, store.NewSubject("u1", true, now))

	first, err := s.IncrementIfBelow(ctx, "u1", models.QuotaGeneral, 2, now)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Applied || !first.Rolled || first.Count != 1 {
		t.Errorf("expected first call to open the window, got %+v", first)
	}

	second, _ := s.IncrementIfBelow(ctx, "u1", models.QuotaGeneral, 2, now.Add(time.Minute))
	if !second.Applied || second.Rolled || second.Count != 2 {
		t.Errorf("unexpected second result %+v", second)
	}

	third, _ := s.IncrementIfBelow(ctx, "u1", models.QuotaGeneral, 2, now.Add(2*time.Minute))
	if third.Applied || third.Count != 2 {
		t.Errorf("expected refusal at limit, got %+v", third)
	}

	got, _ := s.Get(ctx, "u1")
	if got.MessageCount != 2 {
		t.Errorf("expected lifetime message count 2, got %d", got.MessageCount)
	}
	if !got.Counter(models.QuotaGeneral).WindowStart.Equal(now) {
		t.Errorf("window start moved: %v", got.Counter(models.QuotaGeneral).WindowStart)
	}
}

func TestIncrementIfBelowDayBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	late := time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC)
	early := time.Date(2024, 1, 2, 0, 0, 1, 0, time.UTC)
	_, _, _ = s.Create(ctx, store.NewSubject("u1", false, late))

	_, _ = s.IncrementIfBelow(ctx, "u1", models.QuotaPro, 1, late)
	refused, _ := s.IncrementIfBelow(ctx, "u1", models.QuotaPro, 1, late)
	if refused.Applied {
		t.Fatal("expected refusal on the first day")
	}

	res, err := s.IncrementIfBelow(ctx, "u1", models.QuotaPro, 1, early)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || !res.Rolled || res.Count != 1 {
		t.Errorf("expected new window two seconds later, got %+v", res)
	}
}

func TestIncrementIfBelowZeroLimitStillRolls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	_, _, _ = s.Create(ctx, store.NewSubject("u1", false, day1))

	var p models.Patch
	p.SetCount(models.QuotaSpecialAgent, 9)
	p.SetWindowStart(models.QuotaSpecialAgent, day1)
	_ = s.Update(ctx, "u1", p)

	day2 := day1.AddDate(0, 0, 1)
	res, err := s.IncrementIfBelow(ctx, "u1", models.QuotaSpecialAgent, 0, day2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || !res.Rolled || res.Count != 0 {
		t.Errorf("expected rollover without increment, got %+v", res)
	}
}

func TestIncrementIfBelowConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, _ = s.Create(ctx, store.NewSubject("u1", true, now))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.IncrementIfBelow(ctx, "u1", models.QuotaGeneral, 5, now)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 5 {
		t.Errorf("expected 5 applied increments, got %d", applied)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, _ = s.Create(ctx, store.NewSubject("a", true, now))
	_, _, _ = s.Create(ctx, store.NewSubject("b", false, now))

	subs, err := s.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(subs))
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatal("second New() failed:", err)
	}
	_ = s2.Close()
}
