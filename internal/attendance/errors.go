package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or student does not exist.
	ErrNotFound = errors.New("attendance: not found")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("attendance: conflicting write")
	// ErrDuplicate is returned when a session id already exists.
	ErrDuplicate = errors.New("attendance: duplicate session id")
	// ErrStoreUnavailable wraps any failure to reach the backing store.
	ErrStoreUnavailable = errors.New("attendance: store unavailable")
)

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
