package logctx

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/ggoodman/vcs-session-go/vcs"
)

type Handler struct {
	slog.Handler
}

// NewLogger wraps h so records pick up the groups attached to the context.
// A nil h falls back to the handler of slog.Default().
func NewLogger(h slog.Handler) *slog.Logger {
	if h == nil {
		h = slog.Default().Handler()
	}
	if _, ok := h.(Handler); ok {
		return slog.New(h)
	}
	return slog.New(Handler{Handler: h})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(serverDataKey{}).(*ServerData); ok {
		r.AddAttrs(slog.Group("server",
			slog.String("addr", sd.Identity.Address()),
			slog.String("protocol", sd.Identity.Protocol),
			slog.String("user", sd.Identity.Username),
			slog.String("auth", string(sd.Identity.AuthMethod)),
		))
	}

	if wd, ok := ctx.Value(workspaceDataKey{}).(*WorkspaceData); ok {
		r.AddAttrs(slog.Group("ws",
			slog.String("name", wd.Name),
		))
	}

	if cd, ok := ctx.Value(commandDataKey{}).(*CommandData); ok {
		r.AddAttrs(slog.Group("cmd",
			slog.String("name", cd.Name),
			slog.String("attempt", strconv.Itoa(cd.Attempt)),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type serverDataKey struct{}

type ServerData struct {
	Identity vcs.ServerIdentity
}

func WithServer(ctx context.Context, id vcs.ServerIdentity) context.Context {
	return context.WithValue(ctx, serverDataKey{}, &ServerData{Identity: id})
}

type workspaceDataKey struct{}

type WorkspaceData struct {
	Name string
}

func WithWorkspace(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, workspaceDataKey{}, &WorkspaceData{Name: name})
}

type commandDataKey struct{}

// CommandData is mutable so the retry loop can bump Attempt without
// re-deriving the context on every iteration.
type CommandData struct {
	Name    string
	Attempt int
}

func WithCommand(ctx context.Context, data *CommandData) context.Context {
	return context.WithValue(ctx, commandDataKey{}, data)
}
