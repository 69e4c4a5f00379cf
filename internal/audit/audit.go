// Package audit is the append-only trail of every check-in decision.
package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"time"

	ulid "github.com/oklog/ulid/v2"

	"PRESENCE-backend/internal/platform/db"
)

type Entry struct {
	ID        string
	EventType string // reason code: checkin_success, outside_radius, ...
	Message   string
	StudentID string
	SessionID *uint64
	CreatedAt time.Time
}

type Trail interface {
	Record(ctx context.Context, e Entry) error
}

// ---- Clock & ID ----
type Clock interface{ Now() time.Time }
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface{ NewULID(t time.Time) string }
type ulidGen struct{}

func (ulidGen) NewULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ---- Store ----

type Store struct {
	db    db.DBTX
	clock Clock
	id    IDGen
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, clock: realClock{}, id: ulidGen{}}
}

// Record は INSERT のみ。更新・削除の経路は持たない。
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	if e.ID == "" {
		e.ID = s.id.NewULID(e.CreatedAt)
	}
	const q = `
	INSERT INTO audit_logs (audit_ulid, event_type, message, student_id, session_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	var session any
	if e.SessionID != nil {
		session = *e.SessionID
	}
	var student any
	if e.StudentID != "" {
		student = e.StudentID
	}
	_, err := s.db.ExecContext(ctx, q, e.ID, e.EventType, e.Message, student, session, e.CreatedAt.UTC())
	return err
}
