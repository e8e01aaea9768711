package xenvelope

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits Events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("message_id", e.MessageID),
	)
	if e.Topic != "" {
		ev = ev.With(xlog.Str("topic", e.Topic))
	}
	if e.Group != "" {
		ev = ev.With(xlog.Str("group", e.Group))
	}
	if e.BlobID != "" {
		ev = ev.With(xlog.Str("blob_id", e.BlobID))
	}
	switch e.Type {
	case Error, Nack:
		ev.Warn().Err(e.Err).Msg("xenvelope event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xenvelope event")
	}
}
