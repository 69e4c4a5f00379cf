package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixedID string

func (f fixedID) NewULID(time.Time) string { return string(f) }

func TestStore_Record(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := &Store{db: conn, clock: fixedClock{now}, id: fixedID("01HZAUDIT")}
	sid := uint64(7)

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs("01HZAUDIT", "outside_radius", "distance 180.5m > radius 100m", "s1001", sid, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Record(context.Background(), Entry{
		EventType: "outside_radius",
		Message:   "distance 180.5m > radius 100m",
		StudentID: "s1001",
		SessionID: &sid,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Record_NullableColumns(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := &Store{db: conn, clock: fixedClock{now}, id: fixedID("01HZAUDIT")}

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs("01HZAUDIT", "token_invalid", "unknown token", nil, nil, now).
		WillReturnError(errors.New("boom"))

	err = s.Record(context.Background(), Entry{EventType: "token_invalid", Message: "unknown token"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
