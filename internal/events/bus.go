// Package events provides the best-effort run event bus. Publishing persists
// the envelope first, then fans out to sinks; no failure on either path is
// allowed to disturb the pipeline that emitted the event.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"alphaforge/internal/schema"
)

// Log is the slice of the store the bus needs.
type Log interface {
	AppendEvent(ctx context.Context, ev schema.EventEnvelope) error
}

// Sink receives every published envelope after it has been persisted.
type Sink interface {
	HandleEvent(ev schema.EventEnvelope)
}

// Bus persists and fans out envelopes. A nil log or empty sink list is fine.
type Bus struct {
	log    Log
	logger *zap.Logger

	mu    sync.Mutex
	sinks []Sink
}

// NewBus builds a bus over the given log. logger may be nil.
func NewBus(log Log, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{log: log, logger: logger}
}

// Subscribe registers a sink for all future events.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps, persists, and fans out the envelope. Errors are logged at
// warn and swallowed; Publish never fails.
func (b *Bus) Publish(ctx context.Context, ev schema.EventEnvelope) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = schema.SeverityInfo
	}
	if b.log != nil {
		if err := b.log.AppendEvent(ctx, ev); err != nil {
			b.logger.Warn("event persist failed",
				zap.String("event_type", ev.EventType), zap.Error(err))
		}
	}
	b.mu.Lock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()
	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("event sink panicked",
						zap.String("event_type", ev.EventType), zap.Any("panic", r))
				}
			}()
			s.HandleEvent(ev)
		}()
	}
}

// Collector is a sink that records every envelope it sees. Safe for
// concurrent use; the loop's order checker reads it after a run.
type Collector struct {
	mu     sync.Mutex
	events []schema.EventEnvelope
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) HandleEvent(ev schema.EventEnvelope) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []schema.EventEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.EventEnvelope, len(c.events))
	copy(out, c.events)
	return out
}

// Reset drops all collected events.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
