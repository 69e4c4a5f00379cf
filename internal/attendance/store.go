package attendance

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"PRESENCE-backend/internal/platform/db"
)

type Store interface {
	FindToken(ctx context.Context, value string) (*Token, *Session, error)
	HasLog(ctx context.Context, sessionID uint64, studentID string) (bool, error)
	CommitLog(ctx context.Context, log *AttendanceLog, selfie *SelfieVerification) (uint64, error)
	List(ctx context.Context, q ListQuery) ([]AttendanceLog, int64, error)
}

type SQLStore struct{ db *sql.DB }

func NewStore(conn *sql.DB) *SQLStore { return &SQLStore{db: conn} }

// FindToken: トークン値からトークンとセッションを取得。見つからなければ nil, nil, nil
// 期限判定は呼び出し側（expired と unknown を区別して監査に残すため）
func (s *SQLStore) FindToken(ctx context.Context, value string) (*Token, *Session, error) {
	const q = `
	SELECT t.token_id, t.session_id, t.token, t.expires_at,
	       s.title, s.start_at, s.end_at, s.is_active, s.late_after_minutes
	FROM attendance_tokens t
	JOIN attendance_sessions s ON s.session_id = t.session_id
	WHERE t.token = ?
	LIMIT 1`

	var (
		t      Token
		sess   Session
		endAt  sql.NullTime
		lateAf sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q, value).Scan(
		&t.TokenID, &t.SessionID, &t.Value, &t.ExpiresAt,
		&sess.Title, &sess.StartAt, &endAt, &sess.IsActive, &lateAf,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	sess.SessionID = t.SessionID
	t.ExpiresAt = t.ExpiresAt.UTC()
	sess.StartAt = sess.StartAt.UTC()
	if endAt.Valid {
		e := endAt.Time.UTC()
		sess.EndAt = &e
	}
	if lateAf.Valid {
		n := int(lateAf.Int64)
		sess.LateAfterMinutes = &n
	}
	return &t, &sess, nil
}

func (s *SQLStore) HasLog(ctx context.Context, sessionID uint64, studentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
	SELECT 1 FROM attendance_logs
	WHERE session_id = ? AND student_id = ? LIMIT 1`, sessionID, studentID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CommitLog inserts the log and, when given, its pending selfie verification
// in one transaction. UNIQUE(session_id, student_id) is the final authority
// against double submission; a hit comes back as ErrDuplicateLog.
func (s *SQLStore) CommitLog(ctx context.Context, l *AttendanceLog, selfie *SelfieVerification) (uint64, error) {
	var logID uint64
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		const q = `
		INSERT INTO attendance_logs
		(session_id, student_id, token_id, scanned_at, status, distance_m, latitude, longitude, accuracy_m,
		 selfie_path, device_fingerprint, device_info, mock_location, client_ip, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		res, err := tx.ExecContext(ctx, q,
			l.SessionID, l.StudentID, l.TokenID, l.ScannedAt.UTC(), string(l.Status),
			floatOrNil(l.DistanceM), floatOrNil(l.Latitude), floatOrNil(l.Longitude), floatOrNil(l.AccuracyM),
			strOrNil(l.SelfiePath), strOrNil(l.DeviceFingerprint), strOrNil(l.DeviceInfo),
			l.MockLocation, strOrNil(l.ClientIP), strOrNil(l.Note),
		)
		if err != nil {
			if db.IsDuplicateKey(err) {
				return ErrDuplicateLog
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		logID = uint64(id)

		if selfie != nil {
			const qs = `
			INSERT INTO selfie_verifications (attendance_log_id, student_id, selfie_path, status, created_at)
			VALUES (?, ?, ?, ?, UTC_TIMESTAMP())`
			if _, err := tx.ExecContext(ctx, qs, logID, selfie.StudentID, selfie.SelfiePath, selfie.Status); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.LogID = logID
	return logID, nil
}

// List: 条件に応じて動的WHERE + ORDER + LIMIT/OFFSET
func (s *SQLStore) List(ctx context.Context, q ListQuery) ([]AttendanceLog, int64, error) {
	var (
		buf    bytes.Buffer
		args   []any
		wheres []string
	)

	buf.WriteString(`
	SELECT log_id, session_id, student_id, token_id, scanned_at, status, distance_m, latitude, longitude,
	       accuracy_m, selfie_path, device_fingerprint, device_info, mock_location, client_ip, note
	FROM attendance_logs
	`)
	if q.StudentID != "" {
		wheres = append(wheres, "student_id = ?")
		args = append(args, q.StudentID)
	}
	if q.SessionID != nil {
		wheres = append(wheres, "session_id = ?")
		args = append(args, *q.SessionID)
	}
	if q.Status != nil && *q.Status != "" {
		wheres = append(wheres, "status = ?")
		args = append(args, *q.Status)
	}
	if q.From != nil {
		wheres = append(wheres, "scanned_at >= ?")
		args = append(args, q.From.UTC())
	}
	if q.To != nil {
		wheres = append(wheres, "scanned_at <= ?")
		args = append(args, q.To.UTC())
	}
	if len(wheres) > 0 {
		buf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	buf.WriteString(" ORDER BY scanned_at DESC, log_id DESC")

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	buf.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(q.Offset, 0)))

	rows, err := s.db.QueryContext(ctx, buf.String(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []AttendanceLog
	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.LogID, &r.SessionID, &r.StudentID, &r.TokenID, &r.ScannedAt, &r.Status,
			&r.DistanceM, &r.Latitude, &r.Longitude, &r.AccuracyM, &r.SelfiePath, &r.DeviceFingerprint,
			&r.DeviceInfo, &r.MockLocation, &r.ClientIP, &r.Note); err != nil {
			return nil, 0, err
		}
		out = append(out, r.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// COUNT（ORDER BY より前までを再構築）
	var cntBuf bytes.Buffer
	cntBuf.WriteString("SELECT COUNT(*) FROM attendance_logs")
	if len(wheres) > 0 {
		cntBuf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, cntBuf.String(), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ===== helpers =====

func strOrNil(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
