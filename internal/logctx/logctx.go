// Package logctx carries per-connection and per-frame metadata through
// context so every log record emitted under a connection is tagged without
// threading fields by hand.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	if ud, ok := ctx.Value(userDataKey{}).(*UserData); ok {
		r.AddAttrs(slog.Group("user",
			slog.String("id", ud.UserID),
			slog.String("name", ud.Username),
		))
	}

	if fd, ok := ctx.Value(frameDataKey{}).(*FrameData); ok {
		r.AddAttrs(slog.Group("frame",
			slog.String("type", fd.Type),
			slog.String("room", fd.RoomID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	RemoteAddr string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type userDataKey struct{}

type UserData struct {
	UserID   string
	Username string
}

func WithUserData(ctx context.Context, data *UserData) context.Context {
	return context.WithValue(ctx, userDataKey{}, data)
}

type frameDataKey struct{}

type FrameData struct {
	Type   string
	RoomID string
}

func WithFrameData(ctx context.Context, data *FrameData) context.Context {
	return context.WithValue(ctx, frameDataKey{}, data)
}
