package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"PRESENCE-backend/internal/audit"
	"PRESENCE-backend/internal/platform/geo"
	"PRESENCE-backend/internal/platform/logs"
	"PRESENCE-backend/internal/platform/metrics"
	"PRESENCE-backend/internal/selfie"
	"PRESENCE-backend/internal/settings"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

type SettingsProvider interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// CommitObserver is notified after an accepted log is durable.
type CommitObserver interface {
	LogCommitted(logID uint64)
}

// ===== Service本体 =====

type Service struct {
	store      Store
	settings   SettingsProvider
	trail      audit.Trail
	selfies    selfie.Storage
	locator    IPLocator
	clock      Clock
	log        *zap.Logger
	observer   CommitObserver
	failClosed bool
}

func NewService(store Store, sp SettingsProvider, trail audit.Trail, selfies selfie.Storage, locator IPLocator, l *zap.Logger) *Service {
	return &Service{
		store:    store,
		settings: sp,
		trail:    trail,
		selfies:  selfies,
		locator:  locator,
		clock:    realClock{},
		log:      logs.OrNop(l).With(zap.String("component", "checkin")),
	}
}

func (s *Service) SetObserver(o CommitObserver) { s.observer = o }

// SetIPFailClosed turns an inconclusive IP lookup into a rejection.
func (s *Service) SetIPFailClosed(v bool) { s.failClosed = v }

// checkIn は1回の提出に対する評価の途中状態
type checkIn struct {
	in      CheckInInput
	now     time.Time
	cfg     settings.Settings
	token   *Token
	session *Session
	samples []LocationSample
	anchor  LocationSample
	dist    float64
	ipDone  bool
}

// CheckIn runs token → samples → geofence → ip → commit, stopping at the
// first failure. Every exit writes exactly one decision entry to the audit trail.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*CheckInResponse, error) {
	start := time.Now()
	defer func() { metrics.CheckinDuration.Observe(time.Since(start).Seconds()) }()

	c := &checkIn{in: in, now: s.clock.Now()}
	if rej := precheck(in); rej != nil {
		return nil, s.rejected(ctx, c, rej)
	}

	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return nil, s.fail(ctx, in.StudentID, nil, "settings unavailable", err)
	}
	c.cfg = cfg

	if err := s.checkToken(ctx, c); err != nil {
		return nil, err
	}
	sid := &c.session.SessionID

	if rej := s.validateSamples(c); rej != nil {
		return nil, s.rejected(ctx, c, rej)
	}
	if rej := s.checkGeofence(ctx, c); rej != nil {
		return nil, s.rejected(ctx, c, rej)
	}
	if rej := s.crossCheckIP(ctx, c); rej != nil {
		return nil, s.rejected(ctx, c, rej)
	}

	res, err := s.commit(ctx, c)
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			return nil, s.rejected(ctx, c, rej)
		}
		return nil, s.fail(ctx, in.StudentID, sid, "commit failed", err)
	}

	s.record(ctx, ReasonSuccess, fmt.Sprintf("status=%s distance=%.2fm log=%d", res.Status, res.DistanceM, res.LogID), in.StudentID, sid)
	s.log.Info("check-in accepted",
		zap.String("student_id", in.StudentID),
		zap.Uint64("session_id", c.session.SessionID),
		zap.Uint64("log_id", res.LogID),
		zap.String("status", res.Status),
		zap.Float64("distance_m", res.DistanceM),
	)
	if s.observer != nil {
		s.observer.LogCommitted(res.LogID)
	}
	return res, nil
}

// precheck は読めなかった提出や必須項目の欠落を拒否理由に変換する
func precheck(in CheckInInput) *RejectionError {
	if in.BindErr != nil {
		var rej *RejectionError
		if errors.As(in.BindErr, &rej) {
			return rej
		}
		return reject(ReasonMalformed, "request could not be read", in.BindErr)
	}
	if strings.TrimSpace(in.StudentID) == "" {
		return reject(ReasonMalformed, "student is required", nil)
	}
	if strings.TrimSpace(in.Token) == "" {
		return reject(ReasonMalformed, "token is required", nil)
	}
	return nil
}

// ---------- TokenCheck ----------

func (s *Service) checkToken(ctx context.Context, c *checkIn) error {
	tok, sess, err := s.store.FindToken(ctx, c.in.Token)
	if err != nil {
		return s.fail(ctx, c.in.StudentID, nil, "token lookup failed", err)
	}
	if tok == nil || sess == nil {
		return s.rejected(ctx, c, reject(ReasonTokenInvalid, "this attendance code is not valid", nil))
	}
	c.token, c.session = tok, sess

	if c.now.After(tok.ExpiresAt) {
		return s.rejected(ctx, c, reject(ReasonTokenExpired, "this attendance code has expired", nil))
	}
	if !sess.IsActive {
		return s.rejected(ctx, c, reject(ReasonSessionInactive, "this session is not open for attendance", nil))
	}
	if sess.EndAt != nil && c.now.After(*sess.EndAt) {
		return s.rejected(ctx, c, reject(ReasonSessionClosed, "this session has already ended", nil))
	}

	// 事前チェックは高速経路。最終判定は UNIQUE 制約（commit 側）
	exists, err := s.store.HasLog(ctx, sess.SessionID, c.in.StudentID)
	if err != nil {
		return s.fail(ctx, c.in.StudentID, &sess.SessionID, "duplicate check failed", err)
	}
	if exists {
		return s.rejected(ctx, c, reject(ReasonTokenDuplicate, "attendance already recorded for this session", nil))
	}
	return nil
}

// ---------- SampleValidation ----------

func (s *Service) validateSamples(c *checkIn) *RejectionError {
	raw := c.in.Samples
	if len(c.in.SamplesJSON) > 0 {
		raw = nil
		if err := json.Unmarshal(c.in.SamplesJSON, &raw); err != nil {
			return reject(ReasonSamplesInvalid, "location_samples must be a JSON array of objects", err)
		}
	}
	samples, err := NormalizeSamples(c.in.Primary, raw)
	if err != nil {
		return reject(ReasonSamplesInvalid, err.Error(), err)
	}
	minCount := c.cfg.SampleCount
	if minCount < 1 {
		minCount = 1
	}
	if len(samples) < minCount {
		return reject(ReasonSamplesMissing,
			fmt.Sprintf("at least %d location samples are required, got %d", minCount, len(samples)), nil)
	}
	c.samples = samples

	if rej := checkWindow(samples, c.now, c.cfg.WindowSeconds, c.cfg.MaxSampleAgeSeconds); rej != nil {
		return rej
	}

	if v := DetectJump(samples, JumpLimits{MaxSpeedMps: c.cfg.MaxSpeedMps, MaxJumpM: c.cfg.MaxJumpM}); v != nil {
		return reject(ReasonJump, "location jumped implausibly between samples; "+v.Error(), v)
	}

	c.anchor = SelectAnchor(samples)
	if err := ValidateSpread(samples, c.anchor, c.cfg.MaxSpreadM); err != nil {
		return reject(ReasonSpread, "location samples are inconsistent; "+err.Error()+"; please retry", err)
	}
	return nil
}

// ---------- GeofenceCheck ----------

func (s *Service) checkGeofence(ctx context.Context, c *checkIn) *RejectionError {
	dist, err := CheckGeofence(c.samples, c.anchor, c.cfg)
	c.dist = dist
	if err == nil {
		return nil
	}

	var acc *AccuracyInsufficientError
	if errors.As(err, &acc) {
		return reject(ReasonAccuracyLow, "location accuracy is too low; "+err.Error()+"; please retry outdoors or near a window", err)
	}

	var out *OutsideRadiusError
	if errors.As(err, &out) {
		// 圏外は rejected のログとして残す（本人が試行記録を確認できるように）
		s.recordRejectedLog(ctx, c, out)
		return reject(ReasonOutsideRadius,
			fmt.Sprintf("you are %.0fm from the classroom (allowed %.0fm)", out.DistanceM, out.RadiusM), err)
	}
	return reject(ReasonAccuracyLow, err.Error(), err)
}

func (s *Service) recordRejectedLog(ctx context.Context, c *checkIn, out *OutsideRadiusError) {
	note := string(ReasonOutsideRadius)
	l := s.buildLog(c, StatusRejected)
	l.Note = &note
	if _, err := s.store.CommitLog(ctx, l, nil); err != nil && !errors.Is(err, ErrDuplicateLog) {
		s.log.Error("rejected log not stored",
			zap.String("student_id", c.in.StudentID),
			zap.Uint64("session_id", c.session.SessionID),
			zap.Float64("distance_m", out.DistanceM),
			zap.Error(err))
	}
}

// ---------- IpCrossCheck ----------

func (s *Service) crossCheckIP(ctx context.Context, c *checkIn) *RejectionError {
	if !c.cfg.IPCheckEnabled || s.locator == nil {
		return nil
	}
	if !IsPublicIP(c.in.ClientIP) {
		metrics.IPLookups.WithLabelValues("not_public").Inc()
		return nil
	}

	coords, err := s.locator.Locate(ctx, c.cfg.IPCheckURL, c.in.ClientIP)
	if err != nil {
		metrics.IPLookups.WithLabelValues("failed").Inc()
		s.log.Warn("ip lookup inconclusive",
			zap.String("student_id", c.in.StudentID),
			zap.String("ip", c.in.ClientIP),
			zap.Error(err))
		if s.failClosed {
			return reject(ReasonIPUnverified, "network location could not be verified; please retry", err)
		}
		s.record(ctx, ReasonIPSkipped, "ip lookup skipped: "+err.Error(), c.in.StudentID, &c.session.SessionID)
		return nil
	}
	metrics.IPLookups.WithLabelValues("ok").Inc()
	c.ipDone = true

	distKm := geo.DistanceMeters(coords.Latitude, coords.Longitude, c.cfg.Geofence.CenterLat, c.cfg.Geofence.CenterLng) / 1000
	if c.cfg.IPCheckMaxKm > 0 && distKm > c.cfg.IPCheckMaxKm {
		return reject(ReasonIPFar,
			fmt.Sprintf("network location is %.1fkm from campus (allowed %.0fkm)", distKm, c.cfg.IPCheckMaxKm), nil)
	}
	return nil
}

// ---------- Commit ----------

func (s *Service) commit(ctx context.Context, c *checkIn) (*CheckInResponse, error) {
	late := c.cfg.LateAfterMinutes
	if c.session.LateAfterMinutes != nil {
		late = *c.session.LateAfterMinutes
	}
	l := s.buildLog(c, LateStatus(c.now, c.session.StartAt, late))

	var pending *SelfieVerification
	if len(c.in.Selfie) > 0 && s.selfies != nil {
		ref, err := s.selfies.Put(ctx, c.in.StudentID, c.in.Selfie, c.in.SelfieExt)
		if err != nil {
			if errors.Is(err, selfie.ErrTooLarge) {
				return nil, reject(ReasonSelfieInvalid, "selfie is too large", err)
			}
			return nil, fmt.Errorf("store selfie: %w", err)
		}
		l.SelfiePath = &ref
		pending = &SelfieVerification{StudentID: c.in.StudentID, SelfiePath: ref, Status: "pending"}
	}

	id, err := s.store.CommitLog(ctx, l, pending)
	if err != nil {
		if pending != nil {
			_ = s.selfies.Delete(context.WithoutCancel(ctx), pending.SelfiePath)
		}
		if errors.Is(err, ErrDuplicateLog) {
			return nil, reject(ReasonTokenDuplicate, "attendance already recorded for this session", err)
		}
		return nil, err
	}

	return &CheckInResponse{
		LogID:     id,
		SessionID: c.session.SessionID,
		Status:    string(l.Status),
		ScannedAt: l.ScannedAt,
		DistanceM: c.dist,
		IPChecked: c.ipDone,
	}, nil
}

func (s *Service) buildLog(c *checkIn, st Status) *AttendanceLog {
	dist := c.dist
	lat, lng, acc := c.anchor.Latitude, c.anchor.Longitude, c.anchor.AccuracyM
	l := &AttendanceLog{
		SessionID:    c.session.SessionID,
		StudentID:    c.in.StudentID,
		TokenID:      c.token.TokenID,
		ScannedAt:    c.now,
		Status:       st,
		DistanceM:    &dist,
		Latitude:     &lat,
		Longitude:    &lng,
		AccuracyM:    &acc,
		MockLocation: c.in.MockLocation,
		Note:         c.in.Note,
	}
	if fp := DeviceFingerprint(c.in.DeviceInfo, c.in.UserAgent); fp != "" {
		l.DeviceFingerprint = &fp
	}
	if d := strings.TrimSpace(c.in.DeviceInfo); d != "" {
		l.DeviceInfo = &d
	}
	if c.in.ClientIP != "" {
		ip := c.in.ClientIP
		l.ClientIP = &ip
	}
	return l
}

// ---------- audit helpers ----------

func (s *Service) rejected(ctx context.Context, c *checkIn, rej *RejectionError) error {
	var sid *uint64
	if c.session != nil {
		sid = &c.session.SessionID
	}
	msg := rej.Message
	if rej.Cause != nil && !strings.Contains(msg, rej.Cause.Error()) {
		msg += " (" + rej.Cause.Error() + ")"
	}
	s.record(ctx, rej.Reason, msg, c.in.StudentID, sid)
	s.log.Warn("check-in rejected",
		zap.String("student_id", c.in.StudentID),
		zap.Uint64p("session_id", sid),
		zap.String("reason", string(rej.Reason)),
		zap.String("detail", msg))
	return rej
}

func (s *Service) fail(ctx context.Context, studentID string, sid *uint64, what string, err error) error {
	s.record(ctx, ReasonError, what+": "+err.Error(), studentID, sid)
	s.log.Error("check-in failed", zap.String("student_id", studentID), zap.String("stage", what), zap.Error(err))
	return ErrInternal(what)
}

// record writes the audit entry. An audit write failure is logged and never
// changes the decision returned to the student.
func (s *Service) record(ctx context.Context, reason Reason, msg, studentID string, sid *uint64) {
	metrics.CheckinDecisions.WithLabelValues(string(reason)).Inc()
	if s.trail == nil {
		return
	}
	err := s.trail.Record(context.WithoutCancel(ctx), audit.Entry{
		EventType: string(reason),
		Message:   msg,
		StudentID: studentID,
		SessionID: sid,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.log.Error("audit write failed", zap.String("reason", string(reason)), zap.Error(err))
	}
}

// ---------- 一覧 ----------

// List returns the student's own logs, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) ([]LogResponse, int64, error) {
	if q.StudentID == "" {
		return nil, 0, ErrInvalid("student is required")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	rows, total, err := s.store.List(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]LogResponse, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		out = append(out, rows[i].toDTO())
	}
	return out, total, nil
}
