package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// testClock is a settable time source shared with the DB under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t), opts...)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func setupClockedDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	clock := newTestClock()
	return setupTestDB(t, WithClock(clock.Now)), clock
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(tempDBPath(t), WithDriver("postgres")); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestOpen_MattnDriver(t *testing.T) {
	db := setupTestDB(t, WithDriver(DriverMattn))
	ctx := context.Background()

	if err := db.CreateTask(ctx, &models.Task{ID: "task_cgo", UserID: "u", Description: "d"}); err != nil {
		t.Fatalf("CreateTask via %s failed: %v", DriverMattn, err)
	}
	got, err := db.GetTask(ctx, "task_cgo")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusGenerated {
		t.Errorf("Status = %q, want %q", got.Status, models.TaskStatusGenerated)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err = db.Query("SELECT 1"); err == nil {
		t.Error("expected error after close, got nil")
	}
}

func TestMigrate(t *testing.T) {
	db := setupTestDB(t)

	tables := []string{"schema_version", "tasks", "workflow_runs", "agent_state", "task_history"}
	for _, table := range tables {
		var count int
		row := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 4 {
		t.Errorf("schema version = %d, want 4", version)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks (task_id, user_id, workflow_id, description, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, "tx-fail", "u", "unassigned", "d", "pending", "2024-01-01T00:00:00.000000Z")
		if err != nil {
			return err
		}
		return fmt.Errorf("simulated error")
	})
	if err == nil {
		t.Error("expected error from Transaction")
	}

	if _, err := db.GetTask(ctx, "tx-fail"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetTask after rollback err = %v, want ErrNotFound", err)
	}
}

func TestDefaultDBPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got, want := DefaultDBPath(), "/custom/data/daybreak/daybreak.db"; got != want {
		t.Errorf("DefaultDBPath() = %q, want %q", got, want)
	}

	t.Setenv("XDG_DATA_HOME", "")
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".local", "share", "daybreak", "daybreak.db")
	if got := DefaultDBPath(); got != want {
		t.Errorf("DefaultDBPath() = %q, want %q", got, want)
	}
}

func TestFormatAndParseTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 30, 15, 123456000, time.FixedZone("X", 3600))
	parsed, err := parseTime(formatTime(now))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("time round-trip failed: got %v, want %v", parsed, now)
	}

	// Fixed width keeps lexical order equal to time order.
	a := formatTime(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	b := formatTime(time.Date(2025, 3, 1, 9, 0, 0, 500000000, time.UTC))
	if !(a < b) {
		t.Errorf("formatTime ordering: %q should sort before %q", a, b)
	}
}

func TestParseNullableTime(t *testing.T) {
	if parseNullableTime(sql.NullString{String: "2024-01-01T12:00:00Z", Valid: true}) == nil {
		t.Error("expected non-nil time for valid input")
	}
	if parseNullableTime(sql.NullString{Valid: false}) != nil {
		t.Error("expected nil time for null input")
	}
	if parseNullableTime(sql.NullString{String: "not a time", Valid: true}) != nil {
		t.Error("expected nil time for invalid format")
	}
}

func TestWrapErr(t *testing.T) {
	err := wrapErr("op", errors.New("database is locked"))
	if !IsRetryable(err) {
		t.Error("locked database should be retryable")
	}
	if !errors.Is(err, models.ErrStore) {
		t.Error("StoreError should match ErrStore")
	}

	err = wrapErr("op", errors.New("no such table"))
	if IsRetryable(err) {
		t.Error("schema error should not be retryable")
	}

	err = wrapErr("op", fmt.Errorf("x: %w", models.ErrNotFound))
	if errors.Is(err, models.ErrStore) {
		t.Error("not found should not be wrapped as a store error")
	}
	if !errors.Is(err, models.ErrNotFound) {
		t.Error("not found should survive wrapping")
	}

	if wrapErr("op", nil) != nil {
		t.Error("wrapErr(nil) should be nil")
	}
}
