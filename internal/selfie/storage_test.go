package selfie

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStorage_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, "s1001", []byte("jpeg-bytes"), ".JPG")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "s1001/"))
	assert.True(t, strings.HasSuffix(ref, ".jpg"))

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), got)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(ref)))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Delete(ctx, ref), "deleting twice is fine")
}

func TestDiskStorage_RejectsBadInput(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "s1", nil, ".jpg")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = s.Put(ctx, "s1", make([]byte, MaxBytes+1), ".jpg")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Get(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrBadRef)
	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrBadRef)
}

func TestDiskStorage_StudentIDIsSanitized(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), "../evil", []byte{1}, ".png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "___evil/"))
}

func TestHash(t *testing.T) {
	a := Hash([]byte("same"))
	assert.Equal(t, a, Hash([]byte("same")))
	assert.NotEqual(t, a, Hash([]byte("same ")))
	assert.Len(t, a, 64)
}
