package session

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable marks a transport or protocol failure of a
	// backend. The store absorbs it and falls back; it never reaches callers.
	ErrBackendUnavailable = errors.New("session: backend unavailable")

	// ErrKeyNotFound is returned by a Backend when the key is absent or hidden
	// because its stored expiry passed.
	ErrKeyNotFound = errors.New("session: key not found")

	// ErrStoreUnavailable is returned when neither backend accepted a write.
	ErrStoreUnavailable = errors.New("session: store unavailable")

	// ErrKindMismatch is returned when a payload or patch does not belong to
	// the session kind it is applied to.
	ErrKindMismatch = errors.New("session: payload kind mismatch")

	// ErrUnknownKind is returned for a kind outside the closed set.
	ErrUnknownKind = errors.New("session: unknown kind")
)

// PartialDeleteError reports a deletion where the record was removed but the
// side storage of the session could not be. The reaper's orphan sweep retries
// the side storage removal.
type PartialDeleteError struct {
	ID  string
	Err error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("session: partial delete of %s: side storage: %v", e.ID, e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }

// unavailable wraps err so that errors.Is(err, ErrBackendUnavailable) holds.
func unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, backend, err)
}
