package xenvelope

import (
	"context"

	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xenvelope (prevents collisions).
type ctxKey string

const (
	dispatchCtxKey ctxKey = "xenvelope:dispatch"
	loggerCtxKey   ctxKey = "xenvelope:logger"
)

// WithDispatchContext attaches dc so nested handler code can send follow-up
// messages in the same correlation. The codec never reads it back.
func WithDispatchContext(ctx context.Context, dc DispatchContext) context.Context {
	return context.WithValue(ctx, dispatchCtxKey, dc)
}

// DispatchContextFrom retrieves a DispatchContext attached with WithDispatchContext.
func DispatchContextFrom(ctx context.Context) (DispatchContext, bool) {
	dc, ok := ctx.Value(dispatchCtxKey).(DispatchContext)
	return dc, ok
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the client logger inside a handler.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}
