package correlation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store := NewSQLStore(openTestDB(t))
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestSQLStore_PendingThenFinalize(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	err := store.CreatePending(ctx, Pending{
		CorrelationID: "c1",
		OriginalInput: "hello",
		Auxiliary:     map[string]interface{}{"title": "Lead A"},
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	applied, err := store.Finalize(ctx, completion("c1", `"world"`, false))
	if err != nil || !applied {
		t.Fatalf("finalize: %v %v", applied, err)
	}

	rec, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusReady || rec.ResultJSON != `"world"` || rec.OriginalInput != "hello" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Auxiliary["title"] != "Lead A" {
		t.Fatalf("auxiliary lost: %v", rec.Auxiliary)
	}
}

func TestSQLStore_CallbackBeforePending(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	if applied, err := store.Finalize(ctx, completion("c2", `"early"`, false)); err != nil || !applied {
		t.Fatalf("finalize: %v %v", applied, err)
	}
	if err := store.CreatePending(ctx, Pending{CorrelationID: "c2", OriginalInput: "late", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("late pending: %v", err)
	}

	rec, _ := store.Get(ctx, "c2")
	if rec.Status != StatusReady {
		t.Fatalf("status reverted to %s", rec.Status)
	}
	if rec.OriginalInput != "late" {
		t.Fatalf("expected backfilled input, got %q", rec.OriginalInput)
	}

	// a second pending write must not replace the backfilled input
	_ = store.CreatePending(ctx, Pending{CorrelationID: "c2", OriginalInput: "again", CreatedAt: time.Now()})
	rec, _ = store.Get(ctx, "c2")
	if rec.OriginalInput != "late" {
		t.Fatalf("original input overwritten: %q", rec.OriginalInput)
	}
}

func TestSQLStore_ReplayAndConflict(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	_ = store.CreatePending(ctx, Pending{CorrelationID: "c3", OriginalInput: "x", CreatedAt: time.Now()})
	c := completion("c3", `"one"`, false)
	if applied, err := store.Finalize(ctx, c); err != nil || !applied {
		t.Fatalf("finalize: %v %v", applied, err)
	}

	applied, err := store.Finalize(ctx, c)
	if err != nil || applied {
		t.Fatalf("expected silent replay, got %v %v", applied, err)
	}

	_, err = store.Finalize(ctx, completion("c3", `"two"`, false))
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	rec, _ := store.Get(ctx, "c3")
	if rec.ResultJSON != `"one"` {
		t.Fatalf("record changed by rejected callback: %s", rec.ResultJSON)
	}
}

func TestSQLStore_OverwritePolicy(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	_, _ = store.Finalize(ctx, completion("c4", `"one"`, true))
	applied, err := store.Finalize(ctx, completion("c4", `"two"`, true))
	if err != nil || !applied {
		t.Fatalf("expected overwrite, got %v %v", applied, err)
	}
	applied, err = store.Finalize(ctx, completion("c4", `"two"`, true))
	if err != nil || applied {
		t.Fatalf("expected identical replay to be a no-op, got %v %v", applied, err)
	}
	rec, _ := store.Get(ctx, "c4")
	if rec.ResultJSON != `"two"` {
		t.Fatalf("expected last write to win, got %s", rec.ResultJSON)
	}
}

func TestSQLStore_GetMissingAndList(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	if err != nil || rec != nil {
		t.Fatalf("expected (nil, nil), got %v %v", rec, err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_ = store.CreatePending(ctx, Pending{
			CorrelationID: fmt.Sprintf("c%d", i),
			OriginalInput: "x",
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
		})
	}
	recs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].CorrelationID != "c3" || recs[1].CorrelationID != "c2" {
		t.Fatalf("unexpected list %+v", recs)
	}
}
