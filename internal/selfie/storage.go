// Package selfie stores check-in selfies on local disk. Only the reference
// (relative path) is kept on the attendance log.
package selfie

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ulid "github.com/oklog/ulid/v2"
)

const MaxBytes = 5 << 20

var (
	ErrEmpty    = errors.New("selfie is empty")
	ErrTooLarge = errors.New("selfie exceeds size limit")
	ErrBadRef   = errors.New("invalid selfie reference")
)

type Storage interface {
	Put(ctx context.Context, studentID string, data []byte, ext string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

type DiskStorage struct {
	root string
	now  func() time.Time
}

func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("selfie dir: %w", err)
	}
	return &DiskStorage{root: root, now: time.Now}, nil
}

// Put は <student>/<yyyymm>/<ulid><ext> に書き込み、相対パスを返す
func (s *DiskStorage) Put(ctx context.Context, studentID string, data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxBytes {
		return "", ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := s.now().UTC()
	name := ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.Reader, 0)).String() + sanitizeExt(ext)
	ref := filepath.ToSlash(filepath.Join(sanitizeSegment(studentID), t.Format("200601"), name))

	full := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *DiskStorage) Get(ctx context.Context, ref string) ([]byte, error) {
	full, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (s *DiskStorage) Delete(ctx context.Context, ref string) error {
	full, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// resolve rejects references escaping the storage root.
func (s *DiskStorage) resolve(ref string) (string, error) {
	if ref == "" || filepath.IsAbs(ref) {
		return "", ErrBadRef
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", ErrBadRef
	}
	return filepath.Join(s.root, clean), nil
}

// Hash is the content fingerprint used by the duplicate-selfie detector.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".heic":
		return ext
	default:
		return ".jpg"
	}
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
