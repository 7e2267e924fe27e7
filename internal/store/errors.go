package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors, mirroring the teacher's internal/storage/sqlite/errors.go
// idiom: package-level sentinels plus wrap helpers that fold sql.ErrNoRows
// into ErrNotFound; operations that detect a domain conflict wrap
// ErrConflict themselves. Both give consistent errors.Is handling up the
// stack.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrSchemaRejected = errors.New("schema rejected")
	ErrStaleGen       = errors.New("stale generation")
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound for consistent error handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
