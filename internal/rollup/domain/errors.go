package rollup

import "errors"

var (
	// ErrInvalidGranularity is returned when granularity is unsupported.
	ErrInvalidGranularity = errors.New("rollup: invalid granularity")
	// ErrInvalidKey is returned when a bucket key is incomplete.
	ErrInvalidKey = errors.New("rollup: invalid bucket key")
	// ErrInvalidSort is returned when the sort column is not allowed.
	ErrInvalidSort = errors.New("rollup: invalid sort field")
	// ErrInconsistent is returned when a stored bucket cannot absorb a contribution.
	ErrInconsistent = errors.New("rollup: inconsistent bucket")
	// ErrAlreadyCompacted is returned when the stored marker already covers the events of a commit.
	ErrAlreadyCompacted = errors.New("rollup: hour already compacted")
	// ErrInvalidRange is returned when a query range ends before it starts.
	ErrInvalidRange = errors.New("rollup: invalid time range")
	// ErrInvalidSource is returned for an unknown rollup source mode.
	ErrInvalidSource = errors.New("rollup: invalid source")
)
