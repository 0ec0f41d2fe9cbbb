package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means persistence cannot be used right now: the file
	// is locked, unwritable, out of space, or already closed. Callers fall
	// back to network-only operation.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrVersion is returned when the on-disk schema is newer than the
	// version requested by this build.
	ErrVersion = errors.New("storage schema version mismatch")

	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage: invalid record")
)

// StorageError reports a record that does not fit its collection's schema,
// such as a missing key field.
type StorageError struct {
	Collection Collection
	Reason     string
}

func (e *StorageError) Error() string {
	if e.Collection == "" {
		return "storage: " + e.Reason
	}
	return fmt.Sprintf("storage: %s: %s", e.Collection, e.Reason)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
