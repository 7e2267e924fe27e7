package fsstore

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors, following the teacher's sqlite-package idiom of
// package-level sentinels plus a wrap helper that folds common stdlib
// errors into them.
var (
	ErrNotFound      = errors.New("not found")
	ErrPathTraversal = errors.New("path traversal")
	ErrIO            = errors.New("io error")
	ErrPermission    = errors.New("permission denied")
)

// wrapFSError wraps an *os or io error with operation context, folding
// os.ErrNotExist into ErrNotFound and os.ErrPermission into ErrPermission
// for consistent error handling up the stack.
func wrapFSError(op string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if os.IsPermission(err) {
		return fmt.Errorf("%s: %w", op, ErrPermission)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrIO, err)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPathTraversal reports whether err is or wraps ErrPathTraversal.
func IsPathTraversal(err error) bool { return errors.Is(err, ErrPathTraversal) }
