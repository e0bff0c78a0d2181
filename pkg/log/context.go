package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx returns the context logger, or the global logger if none is set.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithRoom returns a context whose logger carries the room id.
func WithRoom(ctx context.Context, roomID string) context.Context {
	if roomID == "" {
		return ctx
	}
	return WithLogger(ctx, Ctx(ctx).With().Str(FieldRoomID, roomID).Logger())
}

// WithConnection returns a context whose logger carries the connection and
// user ids of a websocket session.
func WithConnection(ctx context.Context, connectionID, userID string) context.Context {
	c := Ctx(ctx).With().Str(FieldConnectionID, connectionID)
	if userID != "" {
		c = c.Str(FieldUserID, userID)
	}
	return WithLogger(ctx, c.Logger())
}
