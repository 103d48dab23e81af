package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/metrics"
)

// syncBuffer guards the backing buffer against the writer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWriterSinkEncodesJSONLines(t *testing.T) {
	buf := &syncBuffer{}
	sink := NewWriterSink(context.Background(), buf, 8, testLogger())

	sink.Emit(Event{EventType: "circuit_open", Severity: SeverityCritical, Description: "halted"})
	sink.Emit(Event{EventType: "orphan_closed", Severity: SeverityWarning})
	sink.Close()

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	var events []Event
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad JSON line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, expected 2", len(events))
	}
	if events[0].EventType != "circuit_open" || events[0].Severity != SeverityCritical {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Emit should stamp events missing a timestamp")
	}
}

func TestWriterSinkDropsOnFullBuffer(t *testing.T) {
	// A writer that blocks forever keeps the worker busy so the buffer fills.
	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	t.Cleanup(func() {
		close(blocked)
		cancel()
	})
	sink := NewWriterSink(ctx, blockingWriter{blocked}, 1, testLogger())

	for i := 0; i < 10; i++ {
		sink.Emit(Event{EventType: "tick"})
	}

	if sink.Dropped() == 0 {
		t.Error("overflowing the buffer should drop events, not block")
	}
}

func TestWriterSinkDropGaugeTracksDrops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	t.Cleanup(func() {
		close(blocked)
		cancel()
	})
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	sink := NewWriterSink(ctx, blockingWriter{blocked}, 1, testLogger())
	sink.SetRecorder(rec)

	for i := 0; i < 10; i++ {
		sink.Emit(Event{EventType: "tick"})
	}

	var m dto.Metric
	if err := rec.TelemetryDrops.Write(&m); err != nil {
		t.Fatalf("reading gauge: %v", err)
	}
	got := m.GetGauge().GetValue()
	if got == 0 {
		t.Fatal("drop gauge should move when events are discarded")
	}
	if got != float64(sink.Dropped()) {
		t.Errorf("drop gauge = %v, Dropped() = %d", got, sink.Dropped())
	}
}

type blockingWriter struct{ release chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Emit(Event{EventType: "anything"})
}
