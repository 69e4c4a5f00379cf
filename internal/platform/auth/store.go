package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"PRESENCE-backend/internal/platform/db"
)

type Account struct {
	ID           string // 学籍番号 or 管理者ID
	PasswordHash string
	Role         string
	IsDisabled   bool
	CreatedAt    time.Time
}

// AccountStore: GetByID は未登録なら (nil, nil)
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	Disable(ctx context.Context, id string) (int64, error)
}

type Store struct {
	db  db.DBTX
	now func() time.Time
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash, role, is_disabled, created_at
		FROM auth_accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.PasswordHash, &a.Role, &a.IsDisabled, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create: 同時登録で PK が衝突したら ErrAlreadyExists
func (s *Store) Create(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_accounts (id, password_hash, role, is_disabled, created_at)
		VALUES (?, ?, ?, 0, ?)`, a.ID, a.PasswordHash, a.Role, a.CreatedAt)
	if db.IsDuplicateKey(err) {
		return ErrAlreadyExists
	}
	return err
}

// Disable は行を消さずにフラグだけ立てる。既に無効なら 0 件。
func (s *Store) Disable(ctx context.Context, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_accounts SET is_disabled = 1 WHERE id = ? AND is_disabled = 0`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
