// Package lifecycle exposes engine events as a lifecycle.Source.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/fragmenta/pkg/core"
)

type streamSource struct {
	events <-chan core.Event
	out    chan lifecycle.Event
	logger *slog.Logger
}

// Option configures a Source.
type Option func(*streamSource)

// WithLogger reports a panicking bridge goroutine.
func WithLogger(l *slog.Logger) Option {
	return func(s *streamSource) { s.logger = l }
}

// NewSource creates a lifecycle.Source that emits the events an engine
// writes to its Config.Events channel.
func NewSource(events <-chan core.Event, opts ...Option) lifecycle.Source {
	s := &streamSource{
		events: events,
		out:    make(chan lifecycle.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *streamSource) Events() <-chan lifecycle.Event {
	return s.out
}

// Start forwards events until ctx is done or the engine channel closes,
// then closes Events.
func (s *streamSource) Start(ctx context.Context) error {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.events:
				if !ok {
					return nil
				}
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}, lifecycle.WithErrorHandler(func(err error) {
		if s.logger != nil {
			s.logger.Error("event bridge failed", "error", fmt.Errorf("event bridge panic: %w", err))
		}
	}))
	return nil
}
