package fraud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PRESENCE-backend/internal/platform/metrics"
)

// PatternDetector looks at one student's logs over the pattern window,
// oldest first. Pattern alerts are not tied to a single log.
type PatternDetector interface {
	Name() AlertType
	Detect(logs []LogRecord) *Alert
}

func DefaultPatternDetectors() []PatternDetector {
	return []PatternDetector{
		&LateRepeatDetector{MinRepeats: 3},
		&BoundaryScanDetector{MinLogs: 5, Ratio: 0.8, Tolerance: time.Minute},
	}
}

// ---------- 同じ時刻での遅刻の繰り返し ----------

type LateRepeatDetector struct {
	MinRepeats int
}

func (d *LateRepeatDetector) Name() AlertType { return AlertLateRepeat }

// Detect groups late logs by clock time (HH:MM, UTC).
func (d *LateRepeatDetector) Detect(logs []LogRecord) *Alert {
	counts := map[string][]uint64{}
	for _, l := range logs {
		if l.Status != "late" {
			continue
		}
		key := l.ScannedAt.UTC().Format("15:04")
		counts[key] = append(counts[key], l.LogID)
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := ""
	for _, k := range keys {
		if len(counts[k]) >= d.MinRepeats && (best == "" || len(counts[k]) > len(counts[best])) {
			best = k
		}
	}
	if best == "" {
		return nil
	}
	return &Alert{
		Type:        AlertLateRepeat,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("%d late check-ins at exactly %s", len(counts[best]), best),
		Evidence: map[string]any{
			"time":    best,
			"count":   len(counts[best]),
			"log_ids": counts[best],
		},
	}
}

// ---------- 開始時刻ちょうどに集中するスキャン ----------

type BoundaryScanDetector struct {
	MinLogs   int
	Ratio     float64
	Tolerance time.Duration
}

func (d *BoundaryScanDetector) Name() AlertType { return AlertBoundaryScan }

func (d *BoundaryScanDetector) Detect(logs []LogRecord) *Alert {
	if len(logs) < d.MinLogs || len(logs) == 0 {
		return nil
	}
	near := 0
	for _, l := range logs {
		if l.SessionStart.IsZero() {
			continue
		}
		off := l.ScannedAt.Sub(l.SessionStart)
		if off < 0 {
			off = -off
		}
		if off <= d.Tolerance {
			near++
		}
	}
	ratio := float64(near) / float64(len(logs))
	if ratio <= d.Ratio {
		return nil
	}
	return &Alert{
		Type:        AlertBoundaryScan,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("%d of %d check-ins within %s of session start", near, len(logs), d.Tolerance),
		Evidence: map[string]any{
			"near_start":  near,
			"total":       len(logs),
			"ratio":       ratio,
			"tolerance_s": d.Tolerance.Seconds(),
		},
	}
}

// ScanPatterns runs the pattern detectors for every student active in the
// pattern window. An unresolved alert of the same type within the dedupe
// window suppresses a new one.
func (e *Engine) ScanPatterns(ctx context.Context) (PatternResult, error) {
	// スケジューラと管理 API の同時実行は直列化
	e.patternMu.Lock()
	defer e.patternMu.Unlock()

	res := PatternResult{ByType: map[string]int{}}
	now := e.clock.Now()
	since := now.Add(-e.opts.PatternWindow)

	students, err := e.store.StudentsSince(ctx, since)
	if err != nil {
		return res, fmt.Errorf("list students: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.opts.Workers)

	for _, sid := range students {
		if ctx.Err() != nil {
			break
		}
		sid := sid // per-iteration copy (go1.22 loopvar semantics)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			created, dedup, err := e.scanStudent(ctx, sid, since, now)

			mu.Lock()
			defer mu.Unlock()
			res.Students++
			res.Deduplicated += dedup
			if err != nil {
				res.Failed++
				metrics.FraudScanFailures.Inc()
				e.log.Error("pattern analysis failed", zap.String("student_id", sid), zap.Error(err))
			}
			for _, a := range created {
				res.AlertsCreated++
				res.ByType[string(a.Type)]++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("pattern scan finished",
		zap.Int("students", res.Students),
		zap.Int("alerts", res.AlertsCreated),
		zap.Int("deduplicated", res.Deduplicated),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}

func (e *Engine) scanStudent(ctx context.Context, studentID string, since, now time.Time) ([]Alert, int, error) {
	logs, err := e.store.StudentLogs(ctx, studentID, since)
	if err != nil {
		return nil, 0, err
	}

	var (
		created []Alert
		dedup   int
	)
	for _, p := range e.patterns {
		a := p.Detect(logs)
		if a == nil {
			continue
		}
		e.stamp(a, studentID, nil, p.Name())

		inserted, err := e.store.InsertPatternAlert(ctx, *a, now.Add(-e.opts.DedupeWindow))
		if err != nil {
			return created, dedup, err
		}
		if !inserted {
			dedup++
			continue
		}
		metrics.FraudAlerts.WithLabelValues(string(a.Type)).Inc()
		e.log.Warn("fraud pattern alert",
			zap.String("student_id", studentID),
			zap.String("type", string(a.Type)),
			zap.String("description", a.Description))
		created = append(created, *a)
	}
	return created, dedup, nil
}
