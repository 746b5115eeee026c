package state

import (
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

func buildDSN(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return "file:" + path + "?_pragma=busy_timeout(5000)", nil
	case DriverMattn:
		return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// StoreError wraps a persistence failure. Retryable marks transient
// conditions (busy or locked database) that a phase retry may clear.
type StoreError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes every StoreError match models.ErrStore.
func (e *StoreError) Is(target error) bool { return target == models.ErrStore }

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Retryable
}

// wrapErr classifies a driver error. Taxonomy errors (not found, duplicate,
// invalid transition) pass through unchanged.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrDuplicateID) ||
		errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &StoreError{Op: op, Err: err, Retryable: isBusy(err)}
}

// modernc.org/sqlite errors expose the primary result code via Code().
type codedError interface {
	Code() int
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

func isBusy(err error) bool {
	var coded codedError
	if errors.As(err, &coded) {
		code := coded.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	// mattn/go-sqlite3 reports busy and locked through the message text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
