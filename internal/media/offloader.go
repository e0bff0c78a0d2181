package media

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/storage"
)

// Upload is a stored media object.
type Upload struct {
	Key         string
	URL         string
	ContentType string
}

// Offloader moves inline data: URL media into blob storage so messages only
// carry a URL.
type Offloader struct {
	storage   storage.Storage
	prefix    string
	urlExpiry time.Duration
}

func NewOffloader(s storage.Storage, prefix string, urlExpiry time.Duration) *Offloader {
	return &Offloader{
		storage:   s,
		prefix:    strings.Trim(prefix, "/"),
		urlExpiry: urlExpiry,
	}
}

// IsDataURL reports whether raw is an inline data: URL.
func IsDataURL(raw string) bool {
	return len(raw) > 5 && strings.EqualFold(raw[:5], "data:")
}

// ParseDataURL decodes a data: URL into its content type and bytes.
// A missing media type defaults to text/plain as in RFC 2397.
func ParseDataURL(raw string) (string, []byte, error) {
	if !IsDataURL(raw) {
		return "", nil, domain.InvalidRequest("not a data URL")
	}

	// The scheme is case-insensitive but the decoder only accepts "data:".
	du, err := dataurl.DecodeString("data:" + raw[5:])
	if err != nil {
		return "", nil, domain.InvalidRequest("malformed data URL: %v", err)
	}
	return du.MediaType.ContentType(), du.Data, nil
}

// Offload stores a data: URL under roomID/messageID and returns its URL.
func (o *Offloader) Offload(ctx context.Context, roomID, messageID, dataURL string) (*Upload, error) {
	contentType, data, err := ParseDataURL(dataURL)
	if err != nil {
		return nil, err
	}

	key := o.keyFor(roomID, messageID, contentType)
	if err := o.storage.Write(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("%w: failed to store media: %v", domain.ErrPersistenceFailure, err)
	}

	u, err := o.storage.GetURL(ctx, key, o.urlExpiry)
	if err != nil {
		o.Discard(ctx, key)
		return nil, fmt.Errorf("%w: failed to resolve media URL: %v", domain.ErrPersistenceFailure, err)
	}

	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldRoomID, roomID).Str(log.FieldMessageID, messageID).
		Str("key", key).Int("bytes", len(data)).Msg("media offloaded")

	return &Upload{Key: key, URL: u, ContentType: contentType}, nil
}

// Discard removes an offloaded object. Failures are only logged.
func (o *Offloader) Discard(ctx context.Context, key string) {
	if err := o.storage.Delete(ctx, key); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str("key", key).Msg("failed to discard media object")
	}
}

// keyFor builds prefix/room/message.ext. Room and message ids are query
// escaped and dot segments are replaced so a key never leaves the prefix.
func (o *Offloader) keyFor(roomID, messageID, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return path.Join(o.prefix, keySegment(roomID), keySegment(messageID)+ext)
}

func keySegment(s string) string {
	s = url.QueryEscape(s)
	if strings.Trim(s, ".") == "" {
		return strings.Repeat("_", len(s)+1)
	}
	return s
}
