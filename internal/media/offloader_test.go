package media

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/storage"
)

func TestParseDataURL(t *testing.T) {
	ct, data, err := ParseDataURL("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, "hello", string(data))

	ct, data, err = ParseDataURL("data:,hi%20there")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "hi there", string(data))

	ct, _, err = ParseDataURL("DATA:audio/mpeg;codecs=mp3;base64,AA==")
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", ct)

	for _, bad := range []string{"https://x/y.png", "data:image/png;base64", "data:image/png;base64,!!!"} {
		_, _, err := ParseDataURL(bad)
		assert.True(t, errors.Is(err, domain.ErrInvalidRequest), bad)
	}
}

func newLocalOffloader(t *testing.T) (*Offloader, *storage.LocalStorage) {
	s, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir(), URLPrefix: "/media"})
	require.NoError(t, err)
	return NewOffloader(s, "chat-media", 0), s
}

func TestOffloadStoresObject(t *testing.T) {
	o, s := newLocalOffloader(t)
	ctx := context.Background()

	up, err := o.Offload(ctx, "lobby", "m1", "data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "image/png", up.ContentType)
	assert.True(t, strings.HasPrefix(up.Key, "chat-media/lobby/m1"))
	assert.Equal(t, "/media/"+up.Key, up.URL)

	rc, err := s.Read(ctx, up.Key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	o.Discard(ctx, up.Key)
	exists, err := s.Exists(ctx, up.Key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOffloadRejectsMalformed(t *testing.T) {
	o, _ := newLocalOffloader(t)
	_, err := o.Offload(context.Background(), "lobby", "m1", "data:image/png;base64,%%%")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestKeyForStaysUnderPrefix(t *testing.T) {
	o, _ := newLocalOffloader(t)

	for _, room := range []string{"..", ".", "", "a/../..", "../../etc"} {
		key := o.keyFor(room, "m1", "image/png")
		assert.True(t, strings.HasPrefix(key, "chat-media/"), key)
		assert.Equal(t, 3, len(strings.Split(key, "/")), key)
	}
	assert.Equal(t, "chat-media/lobby/m1.png", o.keyFor("lobby", "m1", "image/png"))
	assert.Equal(t, "chat-media/__/m1.png", o.keyFor(".", "m1", "image/png"))
}

func TestNewStorage(t *testing.T) {
	ctx := context.Background()

	s, err := NewStorage(ctx, config.MediaConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewStorage(ctx, config.MediaConfig{Driver: "local", Local: storage.LocalConfig{BasePath: t.TempDir(), URLPrefix: "/media"}})
	require.NoError(t, err)
	assert.IsType(t, &storage.LocalStorage{}, s)

	_, err = NewStorage(ctx, config.MediaConfig{Driver: "ftp"})
	assert.Error(t, err)
}
