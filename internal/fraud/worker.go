package fraud

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PRESENCE-backend/internal/platform/logs"
)

// Scanner is the part of Engine the scheduler drives.
type Scanner interface {
	ScanRecent(ctx context.Context) (ScanResult, error)
	ScanPatterns(ctx context.Context) (PatternResult, error)
}

// Scheduler runs the batch scan and the pattern scan on their own tickers.
type Scheduler struct {
	scanner         Scanner
	scanInterval    time.Duration
	patternInterval time.Duration
	log             *zap.Logger
}

func NewScheduler(s Scanner, scanInterval, patternInterval time.Duration, l *zap.Logger) *Scheduler {
	if scanInterval <= 0 {
		scanInterval = 15 * time.Minute
	}
	if patternInterval <= 0 {
		patternInterval = 24 * time.Hour
	}
	return &Scheduler{
		scanner:         s,
		scanInterval:    scanInterval,
		patternInterval: patternInterval,
		log:             logs.OrNop(l).With(zap.String("component", "fraud-worker")),
	}
}

// Start blocks until ctx is cancelled. Runs do not overlap: a tick that
// arrives while a scan is in progress is picked up after it finishes.
func (s *Scheduler) Start(ctx context.Context) {
	scan := time.NewTicker(s.scanInterval)
	defer scan.Stop()
	patterns := time.NewTicker(s.patternInterval)
	defer patterns.Stop()

	s.log.Info("worker started",
		zap.Duration("scan_interval", s.scanInterval),
		zap.Duration("pattern_interval", s.patternInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("context cancelled, stopping")
			return
		case <-scan.C:
			if _, err := s.scanner.ScanRecent(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("scheduled scan failed", zap.Error(err))
			}
		case <-patterns.C:
			if _, err := s.scanner.ScanPatterns(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("scheduled pattern scan failed", zap.Error(err))
			}
		}
	}
}
