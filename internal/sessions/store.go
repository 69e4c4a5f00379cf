package sessions

import (
	"context"
	"database/sql"
	"time"
)

type Store interface {
	CreateSession(ctx context.Context, s *Session) (uint64, error)
	GetSession(ctx context.Context, id uint64) (*Session, error)
	ListSessions(ctx context.Context, includeClosed bool) ([]Session, error)
	CloseSession(ctx context.Context, id uint64, at time.Time) error
	InsertToken(ctx context.Context, t *Token) (uint64, error)
}

type SQLStore struct{ db *sql.DB }

func NewStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

const sessionColumns = `session_id, title, start_at, end_at, is_active, late_after_minutes`

func scanSession(sc interface{ Scan(...any) error }) (Session, error) {
	var (
		s      Session
		endAt  sql.NullTime
		lateAf sql.NullInt64
	)
	if err := sc.Scan(&s.SessionID, &s.Title, &s.StartAt, &endAt, &s.IsActive, &lateAf); err != nil {
		return Session{}, err
	}
	s.StartAt = s.StartAt.UTC()
	if endAt.Valid {
		e := endAt.Time.UTC()
		s.EndAt = &e
	}
	if lateAf.Valid {
		n := int(lateAf.Int64)
		s.LateAfterMinutes = &n
	}
	return s, nil
}

func (st *SQLStore) CreateSession(ctx context.Context, s *Session) (uint64, error) {
	var endAt, lateAf any
	if s.EndAt != nil {
		endAt = s.EndAt.UTC()
	}
	if s.LateAfterMinutes != nil {
		lateAf = *s.LateAfterMinutes
	}
	res, err := st.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (title, start_at, end_at, is_active, late_after_minutes)
		VALUES (?, ?, ?, 1, ?)`, s.Title, s.StartAt.UTC(), endAt, lateAf)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetSession: 見つからなければ sql.ErrNoRows
func (st *SQLStore) GetSession(ctx context.Context, id uint64) (*Session, error) {
	s, err := scanSession(st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE session_id = ?`, id))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GET /sessions?all=1
func (st *SQLStore) ListSessions(ctx context.Context, includeClosed bool) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM attendance_sessions`
	if !includeClosed {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY start_at DESC, session_id DESC`

	rows, err := st.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]Session, 0, 16)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// CloseSession: 既に閉じている/存在しないなら sql.ErrNoRows
func (st *SQLStore) CloseSession(ctx context.Context, id uint64, at time.Time) error {
	res, err := st.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET is_active = 0, end_at = COALESCE(end_at, ?)
		WHERE session_id = ? AND is_active = 1`, at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (st *SQLStore) InsertToken(ctx context.Context, t *Token) (uint64, error) {
	res, err := st.db.ExecContext(ctx, `
		INSERT INTO attendance_tokens (session_id, token, expires_at)
		VALUES (?, ?, ?)`, t.SessionID, t.Value, t.ExpiresAt.UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}
