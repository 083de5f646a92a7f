// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pdiddy/novelist/pkg/types"
)

// EventSink receives state-transition notifications. Emit must not block;
// the controller never waits on a sink.
type EventSink interface {
	Emit(ev types.ProgressEvent)
}

// ChannelSink forwards events to a buffered channel and drops them when
// the reader falls behind.
type ChannelSink struct {
	ch      chan types.ProgressEvent
	dropped atomic.Int64
}

// NewChannelSink returns a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan types.ProgressEvent, buffer)}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan types.ProgressEvent { return s.ch }

// Dropped returns the number of events discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// Emit implements EventSink.
func (s *ChannelSink) Emit(ev types.ProgressEvent) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// LogSink writes each event as a structured log entry.
type LogSink struct {
	Logger *zap.Logger
}

// Emit implements EventSink.
func (s LogSink) Emit(ev types.ProgressEvent) {
	fields := []zap.Field{
		zap.String("run", ev.RunID),
		zap.String("project", ev.ProjectID),
		zap.Int("chapter", ev.Chapter),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
	}
	if len(ev.Issues) > 0 {
		fields = append(fields, zap.Int("issues", len(ev.Issues)), zap.Bool("blocking", types.Blocking(ev.Issues)))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}
	if ev.To == types.StatusFailed {
		s.Logger.Error("chapter transition", fields...)
		return
	}
	s.Logger.Info("chapter transition", fields...)
}

// Sinks fans an event out to several sinks.
type Sinks []EventSink

// Emit implements EventSink.
func (s Sinks) Emit(ev types.ProgressEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(ev)
		}
	}
}
