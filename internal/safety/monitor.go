// Package safety owns the trading circuit breaker: a consecutive-failure
// counter and a persisted open/closed state that survives restarts.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
)

// Unwinder resynchronizes the campaign from the gateway's true positions
// and closes any unprotected income leg at an aggressive price. The engine
// implements this; the monitor calls it before opening the circuit.
type Unwinder interface {
	EmergencyUnwind(ctx context.Context) error
}

// Monitor tracks consecutive failures and flips the circuit open at a
// threshold. Opening always runs the emergency unwind first: protect, then
// halt.
type Monitor struct {
	mu        sync.Mutex
	store     storage.Interface
	sink      telemetry.Sink
	logger    *logrus.Logger
	unwinder  Unwinder
	threshold int

	state   models.SafetyState
	opening bool // an unwind is in flight; the open flag is not persisted yet
}

// NewMonitor builds a monitor, reloading any persisted circuit state.
func NewMonitor(store storage.Interface, sink telemetry.Sink, logger *logrus.Logger, threshold int) *Monitor {
	if threshold < 1 {
		threshold = 3
	}
	return &Monitor{
		store:     store,
		sink:      sink,
		logger:    logger,
		threshold: threshold,
		state:     store.GetSafetyState(),
	}
}

// SetUnwinder wires in the emergency unwinder. Set once at startup, before
// the tick loop runs.
func (m *Monitor) SetUnwinder(u Unwinder) {
	m.mu.Lock()
	m.unwinder = u
	m.mu.Unlock()
}

// IsOpen reports whether the circuit is open.
func (m *Monitor) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CircuitOpen
}

// Reason returns why the circuit opened, or "".
func (m *Monitor) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Reason
}

// Failures returns the current consecutive-failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ConsecutiveFailures
}

// ReportSuccess resets the failure counter.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ConsecutiveFailures == 0 {
		return
	}
	m.state.ConsecutiveFailures = 0
	m.persistLocked()
}

// ReportFailure increments the failure counter and, at the threshold, opens
// the circuit with the given reason.
func (m *Monitor) ReportFailure(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state.CircuitOpen {
		m.mu.Unlock()
		return
	}
	m.state.ConsecutiveFailures++
	count := m.state.ConsecutiveFailures
	m.persistLocked()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"reason":    reason,
		"failures":  count,
		"threshold": m.threshold,
	}).Warn("trading failure reported")

	if count >= m.threshold {
		m.OpenCircuit(ctx, reason)
	}
}

// OpenCircuit halts trading. Before the open flag is persisted it runs the
// emergency unwind so a naked income leg is closed while orders are still
// allowed. Idempotent once open; a re-entrant call while the unwind is in
// flight (an emergency close can itself escalate) is a no-op.
func (m *Monitor) OpenCircuit(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state.CircuitOpen || m.opening {
		m.mu.Unlock()
		return
	}
	m.opening = true
	unwinder := m.unwinder
	m.mu.Unlock()

	m.logger.WithField("reason", reason).Error("opening trading circuit")

	unwindResult := "no unwinder configured"
	if unwinder != nil {
		if err := unwinder.EmergencyUnwind(ctx); err != nil {
			// The halt proceeds regardless: a failed unwind is not a
			// reason to keep trading.
			unwindResult = "unwind failed: " + err.Error()
			m.logger.WithError(err).Error("emergency unwind failed, halting anyway")
		} else {
			unwindResult = "unwind completed"
		}
	}

	m.mu.Lock()
	m.state.CircuitOpen = true
	m.state.Reason = reason
	m.state.OpenedAt = time.Now().UTC()
	m.opening = false
	m.persistLocked()
	m.mu.Unlock()

	m.sink.Emit(telemetry.Event{
		EventType:   "circuit_open",
		Severity:    telemetry.SeverityCritical,
		Description: reason,
		ActionTaken: "emergency position check before halt",
		Result:      unwindResult,
	})
}

// Clear resets the persisted circuit state. Operator action only.
func (m *Monitor) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = models.SafetyState{}
	if err := m.store.SetSafetyState(m.state); err != nil {
		return err
	}
	m.logger.Info("trading circuit cleared by operator")
	m.sink.Emit(telemetry.Event{
		EventType:   "circuit_clear",
		Severity:    telemetry.SeverityWarning,
		Description: "operator cleared the trading circuit",
	})
	return nil
}

// persistLocked writes the state through storage; persistence errors are
// logged, never allowed to mask the in-memory state change.
func (m *Monitor) persistLocked() {
	if err := m.store.SetSafetyState(m.state); err != nil {
		m.logger.WithError(err).Error("failed to persist safety state")
	}
}
