package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), URLPrefix: "/media/"})
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "lobby/a.png", strings.NewReader("png-bytes"), 9, "image/png"))

	ok, err := s.Exists(ctx, "lobby/a.png")
	require.NoError(t, err)
	assert.True(t, ok)

	url, err := s.GetURL(ctx, "lobby/a.png", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "/media/lobby/a.png", url)

	rc, err := s.Read(ctx, "lobby/a.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, s.Delete(ctx, "lobby/a.png"))
	ok, err = s.Exists(ctx, "lobby/a.png")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete(ctx, "lobby/a.png"))
}

func TestLocalStorage_MissingKey(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Read(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetURL(ctx, "nope", time.Minute)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStorage_KeysStayUnderBasePath(t *testing.T) {
	base := t.TempDir()
	s, err := NewLocalStorage(LocalConfig{BasePath: base})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.fullPath("../../etc/passwd"), s.basePath))
	assert.True(t, strings.HasPrefix(s.fullPath("a/../../b"), s.basePath))
}
