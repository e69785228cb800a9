package machines

import "errors"

var (
	// ErrNotFound is returned when the referenced machine does not exist.
	ErrNotFound = errors.New("machine: not found")
	// ErrMalformed is returned when an event cannot be accepted even leniently.
	ErrMalformed = errors.New("machine: malformed event")
	// ErrStorageUnavailable marks transient storage failures; the device retries.
	ErrStorageUnavailable = errors.New("machine: storage unavailable")
	// ErrInconsistent marks a rollup contribution that could not be merged.
	ErrInconsistent = errors.New("machine: inconsistent rollup")
	// ErrInvalidID is returned for non-positive machine ids.
	ErrInvalidID = errors.New("machine: invalid id")
	// ErrEmptyPatch is returned when an update carries no fields.
	ErrEmptyPatch = errors.New("machine: empty patch")
)
