package sessions

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"PRESENCE-backend/internal/platform/db"
	"PRESENCE-backend/internal/platform/logs"
)

type Service struct {
	store Store
	now   func() time.Time
	token func() (string, error)
	log   *zap.Logger
}

func NewService(store Store, l *zap.Logger) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		token: randomToken,
		log:   logs.OrNop(l).With(zap.String("component", "sessions")),
	}
}

// randomToken は QR に載せる推測不能な値 (192bit, URL-safe)
func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func parseBoolish(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	return s == "1" || s == "true" || s == "yes" || s == "all"
}

// ===== sessions =====

func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrInvalid("title is required")
	}
	if req.StartAt.IsZero() {
		return nil, ErrInvalid("start_at is required")
	}
	if req.EndAt != nil && !req.EndAt.After(req.StartAt) {
		return nil, ErrInvalid("end_at must be after start_at")
	}
	if req.LateAfterMinutes != nil && *req.LateAfterMinutes < 0 {
		return nil, ErrInvalid("late_after_minutes must be >= 0")
	}

	sess := &Session{
		Title:            title,
		StartAt:          req.StartAt.UTC(),
		IsActive:         true,
		LateAfterMinutes: req.LateAfterMinutes,
	}
	if req.EndAt != nil {
		e := req.EndAt.UTC()
		sess.EndAt = &e
	}
	id, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		s.log.Error("create session", zap.Error(err))
		return nil, ErrInternal("failed to create session")
	}
	sess.SessionID = id
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, id uint64) (*Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("session not found")
		}
		return nil, ErrInternal("failed to get session")
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, all string) ([]Session, error) {
	res, err := s.store.ListSessions(ctx, parseBoolish(all))
	if err != nil {
		return nil, ErrInternal("failed to list sessions")
	}
	return res, nil
}

// CloseSession 以降のチェックインは session_closed で弾かれる
func (s *Service) CloseSession(ctx context.Context, id uint64) error {
	err := s.store.CloseSession(ctx, id, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound("session not found or already closed")
		}
		return ErrInternal("failed to close session")
	}
	return nil
}

// ===== tokens =====

func (s *Service) IssueToken(ctx context.Context, sessionID uint64, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if ttl > MaxTokenTTL {
		return nil, ErrInvalid("ttl too long")
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, ErrConflict("session is closed")
	}

	now := s.now()
	// 衝突はまず起きないが UNIQUE(token) に当たったら作り直す
	for attempt := 0; attempt < 3; attempt++ {
		v, err := s.token()
		if err != nil {
			return nil, ErrInternal("failed to generate token")
		}
		t := &Token{SessionID: sessionID, Value: v, ExpiresAt: now.Add(ttl)}
		id, err := s.store.InsertToken(ctx, t)
		if db.IsDuplicateKey(err) {
			continue
		}
		if err != nil {
			s.log.Error("insert token", zap.Uint64("session_id", sessionID), zap.Error(err))
			return nil, ErrInternal("failed to issue token")
		}
		t.TokenID = id
		s.log.Info("token issued", zap.Uint64("session_id", sessionID), zap.Time("expires_at", t.ExpiresAt))
		return t, nil
	}
	return nil, ErrConflict("could not allocate a unique token")
}
