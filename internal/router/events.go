package router

import "teamrouter/internal/model"

// EventSink receives router lifecycle events. Publish must never block the
// router's hot path.
type EventSink interface {
	Publish(event model.RouterEvent)
}

// ChannelSink forwards events to a buffered channel, dropping when the
// consumer lags.
type ChannelSink struct {
	C chan model.RouterEvent
}

// NewChannelSink returns a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan model.RouterEvent, buffer)}
}

func (s *ChannelSink) Publish(event model.RouterEvent) {
	select {
	case s.C <- event:
	default:
	}
}

type nopSink struct{}

func (nopSink) Publish(model.RouterEvent) {}
