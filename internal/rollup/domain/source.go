package rollup

import "strings"

// Source selects which path feeds hour buckets.
type Source string

const (
	// SourceLive contributes every ingested event; compaction only marks and purges.
	SourceLive Source = "live"
	// SourceCompaction contributes hour totals when raw rows are compacted.
	SourceCompaction Source = "compaction"
)

// ParseSource accepts live or compaction; empty means live.
func ParseSource(value string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(value))) {
	case "", SourceLive:
		return SourceLive, nil
	case SourceCompaction:
		return SourceCompaction, nil
	default:
		return "", ErrInvalidSource
	}
}
