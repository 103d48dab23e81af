// Package telemetry emits fire-and-forget structured events. Delivery
// failure or backpressure never affects trading decisions: a full buffer
// drops the event.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/metrics"
)

// Severity grades a safety event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one structured safety or trade record.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	ActionTaken string    `json:"action_taken,omitempty"`
	Result      string    `json:"result,omitempty"`
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards everything.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) {}

// WriterSink serializes events as JSON lines to an io.Writer on a
// background goroutine behind a bounded buffer.
type WriterSink struct {
	ch      chan Event
	logger  *logrus.Logger
	dropped atomic.Int64
	prom    *metrics.Recorder

	closeOnce sync.Once
	done      chan struct{}
}

// NewWriterSink starts a sink writing to w. Close the sink (or cancel ctx)
// to stop the worker.
func NewWriterSink(ctx context.Context, w io.Writer, bufferSize int, logger *logrus.Logger) *WriterSink {
	if bufferSize < 1 {
		bufferSize = 1
	}
	s := &WriterSink{
		ch:     make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		enc := json.NewEncoder(w)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok {
					return
				}
				if err := enc.Encode(ev); err != nil {
					s.logger.WithError(err).Debug("telemetry write failed")
				}
			}
		}
	}()

	return s
}

// SetRecorder wires Prometheus instrumentation in. Set at startup, before
// the sink is shared across goroutines.
func (s *WriterSink) SetRecorder(r *metrics.Recorder) { s.prom = r }

// Emit queues the event, dropping it if the buffer is full.
func (s *WriterSink) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.ch <- ev:
	default:
		n := s.dropped.Add(1)
		if s.prom != nil {
			s.prom.TelemetryDrops.Set(float64(n))
		}
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (s *WriterSink) Dropped() int64 { return s.dropped.Load() }

// Close stops the worker after draining queued events.
func (s *WriterSink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
	<-s.done
}
