package rollup

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the bucket width of a rollup query.
type Granularity string

const (
	GranularityHour Granularity = "HOUR"
	GranularityDay  Granularity = "DAY"
	GranularityWeek Granularity = "WEEK"
)

// IsValid reports whether the granularity is supported.
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek:
		return true
	default:
		return false
	}
}

// ParseGranularity accepts hour/day/week in any case; empty means hour.
func ParseGranularity(value string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "hour":
		return GranularityHour, nil
	case "day":
		return GranularityDay, nil
	case "week":
		return GranularityWeek, nil
	default:
		return "", ErrInvalidGranularity
	}
}

// TruncateToHour returns the start of the UTC hour containing t.
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// BucketStart returns the start of the bucket containing t.
// Weeks are ISO weeks starting on Monday.
func BucketStart(t time.Time, g Granularity) (time.Time, error) {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return TruncateToHour(t), nil
	case GranularityDay:
		return truncateToDay(t), nil
	case GranularityWeek:
		day := truncateToDay(t)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	default:
		return time.Time{}, ErrInvalidGranularity
	}
}

// BucketLabel renders the bucket start for display.
func BucketLabel(start time.Time, g Granularity) string {
	start = start.UTC()
	switch g {
	case GranularityDay:
		return start.Format("2006-01-02")
	case GranularityWeek:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return start.Format("2006-01-02T15:00:00Z")
	}
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
