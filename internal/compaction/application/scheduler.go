package application

import (
	"context"
	"log"
	"time"

	"loomwatch/internal/observability/metrics"
)

// Resetter zeroes the daily counters of every machine.
type Resetter interface {
	ResetDaily(ctx context.Context) (int, error)
}

// Runner performs one compaction pass.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler triggers hourly compaction and the daily counter reset.
type Scheduler struct {
	compactor     Runner
	resetter      Resetter
	compactMinute int
	dailyAt       string
	logger        *log.Logger
}

// NewScheduler constructs a Scheduler. Compaction runs every hour at compactMinute
// and the daily reset at dailyAt ("15:04", UTC).
func NewScheduler(compactor Runner, resetter Resetter, compactMinute int, dailyAt string, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	if compactMinute < 0 || compactMinute > 59 {
		compactMinute = 0
	}
	return &Scheduler{
		compactor:     compactor,
		resetter:      resetter,
		compactMinute: compactMinute,
		dailyAt:       dailyAt,
		logger:        logger,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.shouldReset(now) {
		s.runReset(ctx)
	}
	if s.shouldCompact(now) {
		s.runCompaction(ctx)
	}
}

func (s *Scheduler) shouldCompact(now time.Time) bool {
	return s.compactor != nil && now.Minute() == s.compactMinute
}

func (s *Scheduler) shouldReset(now time.Time) bool {
	if s.resetter == nil {
		return false
	}
	hour, minute, err := parseDailyAt(s.dailyAt)
	if err != nil {
		return false
	}
	return now.Hour() == hour && now.Minute() == minute
}

func (s *Scheduler) runCompaction(ctx context.Context) {
	report, err := s.compactor.Run(ctx)
	if err != nil {
		s.logger.Printf("compaction schedule error: %v", err)
		return
	}
	s.logger.Printf("compaction: committed=%d skipped=%d failed=%d purged=%d",
		report.Committed, report.Skipped, report.Failed, report.Purged)
}

func (s *Scheduler) runReset(ctx context.Context) {
	reset, err := s.resetter.ResetDaily(ctx)
	if err != nil {
		metrics.IncDailyReset(metrics.ResultError)
		s.logger.Printf("daily reset error: reset=%d err=%v", reset, err)
		return
	}
	metrics.IncDailyReset(metrics.ResultSuccess)
	s.logger.Printf("daily reset: machines=%d", reset)
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
