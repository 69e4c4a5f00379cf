package fraud

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"PRESENCE-backend/internal/platform/db"
)

type Store interface {
	// GetLog は見つからなければ nil, nil
	GetLog(ctx context.Context, logID uint64) (*LogRecord, error)
	History(ctx context.Context, rec LogRecord, selfieLimit int) (History, error)
	// PendingLogIDs lists logs since the cutoff that were never scanned and carry no alert.
	PendingLogIDs(ctx context.Context, since time.Time) ([]uint64, error)
	// SaveLogResult writes a log's alerts and its scan marker in one transaction
	// and returns the alerts that were actually new.
	SaveLogResult(ctx context.Context, logID uint64, alerts []Alert) ([]Alert, error)

	StudentsSince(ctx context.Context, since time.Time) ([]string, error)
	StudentLogs(ctx context.Context, studentID string, since time.Time) ([]LogRecord, error)
	// InsertPatternAlert writes a unless the student already has an unresolved
	// alert of the same type created at or after since. 確認と INSERT は不可分。
	InsertPatternAlert(ctx context.Context, a Alert, since time.Time) (bool, error)

	ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, int64, error)
}

type SQLStore struct{ db *sql.DB }

func NewStore(conn *sql.DB) *SQLStore { return &SQLStore{db: conn} }

const logColumns = `
	l.log_id, l.session_id, l.student_id, l.scanned_at, l.status, l.latitude, l.longitude,
	l.selfie_path, l.device_fingerprint, l.mock_location, s.start_at`

func scanLog(sc interface{ Scan(...any) error }) (LogRecord, error) {
	var (
		r        LogRecord
		lat, lng sql.NullFloat64
		path, fp sql.NullString
	)
	if err := sc.Scan(&r.LogID, &r.SessionID, &r.StudentID, &r.ScannedAt, &r.Status, &lat, &lng,
		&path, &fp, &r.MockLocation, &r.SessionStart); err != nil {
		return LogRecord{}, err
	}
	r.ScannedAt = r.ScannedAt.UTC()
	r.SessionStart = r.SessionStart.UTC()
	if lat.Valid && lng.Valid {
		la, ln := lat.Float64, lng.Float64
		r.Latitude, r.Longitude = &la, &ln
	}
	if path.Valid && path.String != "" {
		p := path.String
		r.SelfiePath = &p
	}
	if fp.Valid && fp.String != "" {
		f := fp.String
		r.DeviceFingerprint = &f
	}
	return r, nil
}

func (s *SQLStore) GetLog(ctx context.Context, logID uint64) (*LogRecord, error) {
	q := `SELECT ` + logColumns + `
	FROM attendance_logs l
	JOIN attendance_sessions s ON s.session_id = l.session_id
	WHERE l.log_id = ?`
	r, err := scanLog(s.db.QueryRowContext(ctx, q, logID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// History: 同じ学生の、対象ログより前のログだけを見る
func (s *SQLStore) History(ctx context.Context, rec LogRecord, selfieLimit int) (History, error) {
	var h History

	prevQ := `SELECT ` + logColumns + `
	FROM attendance_logs l
	JOIN attendance_sessions s ON s.session_id = l.session_id
	WHERE l.student_id = ? AND l.log_id <> ?
	  AND (l.scanned_at < ? OR (l.scanned_at = ? AND l.log_id < ?))
	ORDER BY l.scanned_at DESC, l.log_id DESC
	LIMIT 1`
	prev, err := scanLog(s.db.QueryRowContext(ctx, prevQ, rec.StudentID, rec.LogID, rec.ScannedAt, rec.ScannedAt, rec.LogID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return History{}, fmt.Errorf("previous log: %w", err)
	default:
		h.Previous = &prev
	}

	if selfieLimit <= 0 {
		selfieLimit = 10
	}
	h.SelfieRefs, err = s.priorStrings(ctx, "selfie_path", rec, selfieLimit)
	if err != nil {
		return History{}, fmt.Errorf("prior selfies: %w", err)
	}
	h.Fingerprints, err = s.priorStrings(ctx, "device_fingerprint", rec, 0)
	if err != nil {
		return History{}, fmt.Errorf("prior fingerprints: %w", err)
	}
	return h, nil
}

// priorStrings reads one nullable column from the student's earlier logs,
// newest first. column is never user input.
func (s *SQLStore) priorStrings(ctx context.Context, column string, rec LogRecord, limit int) ([]string, error) {
	var buf bytes.Buffer
	buf.WriteString(`SELECT ` + column + ` FROM attendance_logs
	WHERE student_id = ? AND log_id <> ? AND scanned_at <= ? AND ` + column + ` IS NOT NULL AND ` + column + ` <> ''
	ORDER BY scanned_at DESC, log_id DESC`)
	if limit > 0 {
		buf.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	rows, err := s.db.QueryContext(ctx, buf.String(), rec.StudentID, rec.LogID, rec.ScannedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) PendingLogIDs(ctx context.Context, since time.Time) ([]uint64, error) {
	const q = `
	SELECT l.log_id
	FROM attendance_logs l
	LEFT JOIN fraud_log_scans fs ON fs.attendance_log_id = l.log_id
	WHERE l.scanned_at >= ?
	  AND fs.attendance_log_id IS NULL
	  AND NOT EXISTS (SELECT 1 FROM fraud_alerts a WHERE a.attendance_log_id = l.log_id)
	ORDER BY l.log_id`
	rows, err := s.db.QueryContext(ctx, q, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const insertAlertQ = `
	INSERT IGNORE INTO fraud_alerts
	(alert_ulid, student_id, attendance_log_id, alert_type, severity, description, evidence, resolved, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`

func insertAlert(ctx context.Context, tx db.DBTX, a Alert) (int64, error) {
	ev, err := json.Marshal(a.Evidence)
	if err != nil {
		return 0, fmt.Errorf("marshal evidence: %w", err)
	}
	var logID any
	if a.LogID != nil {
		logID = *a.LogID
	}
	res, err := tx.ExecContext(ctx, insertAlertQ,
		a.AlertID, a.StudentID, logID, string(a.Type), string(a.Severity), a.Description, string(ev), a.CreatedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveLogResult: UNIQUE (attendance_log_id, alert_type) keeps a re-run from
// duplicating alerts.
func (s *SQLStore) SaveLogResult(ctx context.Context, logID uint64, alerts []Alert) ([]Alert, error) {
	var created []Alert
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		created = created[:0]
		for _, a := range alerts {
			n, err := insertAlert(ctx, tx, a)
			if err != nil {
				return err
			}
			if n > 0 {
				created = append(created, a)
			}
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO fraud_log_scans (attendance_log_id, alert_count, scanned_at)
		VALUES (?, ?, UTC_TIMESTAMP())
		ON DUPLICATE KEY UPDATE alert_count = alert_count + VALUES(alert_count), scanned_at = VALUES(scanned_at)`,
			logID, len(created))
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *SQLStore) StudentsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT student_id FROM attendance_logs WHERE scanned_at >= ? ORDER BY student_id`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) StudentLogs(ctx context.Context, studentID string, since time.Time) ([]LogRecord, error) {
	q := `SELECT ` + logColumns + `
	FROM attendance_logs l
	JOIN attendance_sessions s ON s.session_id = l.session_id
	WHERE l.student_id = ? AND l.scanned_at >= ? AND l.status <> 'rejected'
	ORDER BY l.scanned_at, l.log_id`
	rows, err := s.db.QueryContext(ctx, q, studentID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const openAlertQ = `
	SELECT 1 FROM fraud_alerts
	WHERE student_id = ? AND alert_type = ? AND resolved = 0 AND created_at >= ?
	LIMIT 1 FOR UPDATE`

// InsertPatternAlert: FOR UPDATE で (student_id, alert_type) の範囲をロックしてから書く。
// 別インスタンスからの同時スキャンでも重複しない
func (s *SQLStore) InsertPatternAlert(ctx context.Context, a Alert, since time.Time) (bool, error) {
	var inserted bool
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		inserted = false
		var one int
		err := tx.QueryRowContext(ctx, openAlertQ, a.StudentID, string(a.Type), since.UTC()).Scan(&one)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		n, err := insertAlert(ctx, tx, a)
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListAlerts: 動的WHERE + 新しい順
func (s *SQLStore) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, int64, error) {
	var (
		wheres []string
		args   []any
	)
	if q.StudentID != nil && *q.StudentID != "" {
		wheres = append(wheres, "student_id = ?")
		args = append(args, *q.StudentID)
	}
	if q.Type != nil && *q.Type != "" {
		wheres = append(wheres, "alert_type = ?")
		args = append(args, *q.Type)
	}
	if q.Severity != nil && *q.Severity != "" {
		wheres = append(wheres, "severity = ?")
		args = append(args, *q.Severity)
	}
	if q.Resolved != nil {
		wheres = append(wheres, "resolved = ?")
		args = append(args, *q.Resolved)
	}
	where := ""
	if len(wheres) > 0 {
		where = " WHERE " + strings.Join(wheres, " AND ")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	query := `
	SELECT alert_ulid, student_id, attendance_log_id, alert_type, severity, description, evidence, resolved, created_at
	FROM fraud_alerts` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, alert_id DESC LIMIT %d OFFSET %d", limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a     Alert
			logID sql.NullInt64
			typ   string
			sev   string
			ev    sql.NullString
		)
		if err := rows.Scan(&a.AlertID, &a.StudentID, &logID, &typ, &sev, &a.Description, &ev, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		a.Type, a.Severity = AlertType(typ), Severity(sev)
		a.CreatedAt = a.CreatedAt.UTC()
		if logID.Valid {
			id := uint64(logID.Int64)
			a.LogID = &id
		}
		if ev.Valid && ev.String != "" {
			if err := json.Unmarshal([]byte(ev.String), &a.Evidence); err != nil {
				return nil, 0, fmt.Errorf("alert %s evidence: %w", a.AlertID, err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fraud_alerts"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
