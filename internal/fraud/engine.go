package fraud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PRESENCE-backend/internal/platform/logs"
	"PRESENCE-backend/internal/platform/metrics"
)

type Options struct {
	Lookback       time.Duration // batch scan window
	PatternWindow  time.Duration
	DedupeWindow   time.Duration
	Workers        int
	AnalyzeTimeout time.Duration // post-commit analysis
	SelfieHistory  int
}

func DefaultOptions() Options {
	return Options{
		Lookback:       24 * time.Hour,
		PatternWindow:  30 * 24 * time.Hour,
		DedupeWindow:   7 * 24 * time.Hour,
		Workers:        4,
		AnalyzeTimeout: 30 * time.Second,
		SelfieHistory:  10,
	}
}

type Engine struct {
	store     Store
	detectors []Detector
	patterns  []PatternDetector
	clock     Clock
	ids       IDGen
	log       *zap.Logger
	opts      Options

	inflight  sync.WaitGroup
	patternMu sync.Mutex
}

func NewEngine(store Store, detectors []Detector, patterns []PatternDetector, opts Options, l *zap.Logger) *Engine {
	def := DefaultOptions()
	if opts.Lookback <= 0 {
		opts.Lookback = def.Lookback
	}
	if opts.PatternWindow <= 0 {
		opts.PatternWindow = def.PatternWindow
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = def.DedupeWindow
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = def.AnalyzeTimeout
	}
	if opts.SelfieHistory <= 0 {
		opts.SelfieHistory = def.SelfieHistory
	}
	return &Engine{
		store:     store,
		detectors: detectors,
		patterns:  patterns,
		clock:     realClock{},
		ids:       ulidGen{},
		log:       logs.OrNop(l).With(zap.String("component", "fraud")),
		opts:      opts,
	}
}

// Evaluate runs every detector against one log. Detectors do not short-circuit
// each other; a failing detector is reported but the others still run.
func (e *Engine) Evaluate(ctx context.Context, rec LogRecord) ([]Alert, error) {
	h, err := e.store.History(ctx, rec, e.opts.SelfieHistory)
	if err != nil {
		return nil, fmt.Errorf("load history for log %d: %w", rec.LogID, err)
	}

	var (
		alerts []Alert
		errs   []error
	)
	for _, d := range e.detectors {
		a, err := d.Check(ctx, rec, h)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		if a == nil {
			continue
		}
		id := rec.LogID
		e.stamp(a, rec.StudentID, &id, d.Name())
		alerts = append(alerts, *a)
	}
	return alerts, errors.Join(errs...)
}

func (e *Engine) stamp(a *Alert, studentID string, logID *uint64, t AlertType) {
	now := e.clock.Now()
	if a.Type == "" {
		a.Type = t
	}
	a.StudentID = studentID
	a.LogID = logID
	a.CreatedAt = now
	a.AlertID = e.ids.NewULID(now)
}

// analyzeOne evaluates and commits a single log as a unit. Nothing is written
// when any detector fails, so the log stays pending for the next pass.
func (e *Engine) analyzeOne(ctx context.Context, logID uint64) ([]Alert, []Alert, error) {
	rec, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, ErrNotFound(fmt.Sprintf("attendance log %d not found", logID))
	}
	found, err := e.Evaluate(ctx, *rec)
	if err != nil {
		return nil, nil, err
	}
	created, err := e.store.SaveLogResult(ctx, logID, found)
	if err != nil {
		return nil, nil, fmt.Errorf("save alerts for log %d: %w", logID, err)
	}
	for _, a := range created {
		metrics.FraudAlerts.WithLabelValues(string(a.Type)).Inc()
		e.log.Warn("fraud alert",
			zap.String("student_id", a.StudentID),
			zap.Uint64("log_id", logID),
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.String("description", a.Description))
	}
	return found, created, nil
}

// AnalyzeLog runs the per-log detectors on demand. Re-running it on the same
// log does not duplicate alerts.
func (e *Engine) AnalyzeLog(ctx context.Context, logID uint64) (*AnalyzeResponse, error) {
	found, created, err := e.analyzeOne(ctx, logID)
	if err != nil {
		var api *APIError
		if errors.As(err, &api) {
			return nil, api
		}
		e.log.Error("analyze failed", zap.Uint64("log_id", logID), zap.Error(err))
		return nil, ErrInternal("analysis failed")
	}
	out := &AnalyzeResponse{LogID: logID, Alerts: make([]AlertResponse, 0, len(found)), AlertsCreated: len(created)}
	for _, a := range found {
		out.Alerts = append(out.Alerts, a.toDTO())
	}
	return out, nil
}

// LogCommitted analyzes a freshly committed log in the background.
func (e *Engine) LogCommitted(logID uint64) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.AnalyzeTimeout)
		defer cancel()
		if _, _, err := e.analyzeOne(ctx, logID); err != nil {
			metrics.FraudScanFailures.Inc()
			e.log.Error("post-commit analysis failed", zap.Uint64("log_id", logID), zap.Error(err))
		}
	}()
}

// Wait blocks until background analyses started by LogCommitted finish.
func (e *Engine) Wait() { e.inflight.Wait() }

// ScanRecent analyzes every pending log of the lookback window in parallel.
// Cancellation stops scheduling new logs; logs already committed stay
// committed and the rest remain pending.
func (e *Engine) ScanRecent(ctx context.Context) (ScanResult, error) {
	res := ScanResult{ByType: map[string]int{}}
	since := e.clock.Now().Add(-e.opts.Lookback)

	ids, err := e.store.PendingLogIDs(ctx, since)
	if err != nil {
		return res, fmt.Errorf("list pending logs: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.opts.Workers)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id // per-iteration copy (go1.22 loopvar semantics)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			_, created, err := e.analyzeOne(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				metrics.FraudScanFailures.Inc()
				e.log.Error("log analysis failed", zap.Uint64("log_id", id), zap.Error(err))
				return nil
			}
			res.Scanned++
			res.AlertsCreated += len(created)
			for _, a := range created {
				res.ByType[string(a.Type)]++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("fraud scan finished",
		zap.Int("pending", len(ids)),
		zap.Int("scanned", res.Scanned),
		zap.Int("alerts", res.AlertsCreated),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}

func (e *Engine) ListAlerts(ctx context.Context, q AlertQuery) ([]AlertResponse, int64, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	rows, total, err := e.store.ListAlerts(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]AlertResponse, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		out = append(out, rows[i].toDTO())
	}
	return out, total, nil
}
