package safety

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
)

// memStore is an in-memory storage.Interface for monitor tests.
type memStore struct {
	mu       sync.Mutex
	state    models.EngineState
	campaign *models.Campaign
	safety   models.SafetyState
	metrics  models.Metrics
	sequence int
	history  []models.Campaign
}

func (m *memStore) GetEngineState() models.EngineState { return m.state }
func (m *memStore) SetEngineState(s models.EngineState) error {
	m.state = s
	return nil
}
func (m *memStore) GetCurrentCampaign() *models.Campaign { return m.campaign }
func (m *memStore) SetCurrentCampaign(c *models.Campaign) error {
	m.campaign = c
	return nil
}
func (m *memStore) CloseCampaign(finalPnL float64) error {
	if m.campaign != nil {
		m.history = append(m.history, *m.campaign)
	}
	m.campaign = nil
	m.metrics.RecordCampaignClose(finalPnL)
	return nil
}
func (m *memStore) NextSequence() (int, error) {
	m.sequence++
	return m.sequence, nil
}
func (m *memStore) GetHistory() []models.Campaign { return m.history }
func (m *memStore) GetSafetyState() models.SafetyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safety
}
func (m *memStore) SetSafetyState(s models.SafetyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safety = s
	return nil
}
func (m *memStore) GetMetrics() models.Metrics { return m.metrics }
func (m *memStore) UpdateMetrics(fn func(*models.Metrics)) error {
	fn(&m.metrics)
	return nil
}

// recordingUnwinder captures whether the unwind ran and what the persisted
// circuit state looked like at that moment.
type recordingUnwinder struct {
	called           bool
	persistedOpenAtCall bool
	err              error
	store            *memStore
}

func (u *recordingUnwinder) EmergencyUnwind(ctx context.Context) error {
	u.called = true
	u.persistedOpenAtCall = u.store.GetSafetyState().CircuitOpen
	return u.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestReportFailureOpensAtThreshold(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	ctx := context.Background()

	m.ReportFailure(ctx, "order rejected")
	m.ReportFailure(ctx, "order rejected")
	if m.IsOpen() {
		t.Fatal("circuit should stay closed below the threshold")
	}
	if m.Failures() != 2 {
		t.Errorf("Failures = %d, expected 2", m.Failures())
	}

	m.ReportFailure(ctx, "order rejected again")
	if !m.IsOpen() {
		t.Fatal("third consecutive failure should open the circuit")
	}
	if m.Reason() != "order rejected again" {
		t.Errorf("Reason = %q", m.Reason())
	}
	if !store.GetSafetyState().CircuitOpen {
		t.Error("open circuit must be persisted")
	}
}

func TestReportSuccessResetsCounter(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	ctx := context.Background()

	m.ReportFailure(ctx, "timeout")
	m.ReportFailure(ctx, "timeout")
	m.ReportSuccess()

	if m.Failures() != 0 {
		t.Errorf("Failures = %d, expected 0 after success", m.Failures())
	}

	m.ReportFailure(ctx, "timeout")
	m.ReportFailure(ctx, "timeout")
	if m.IsOpen() {
		t.Error("non-consecutive failures must not open the circuit")
	}
}

func TestOpenCircuitUnwindsBeforePersistingOpen(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	unwinder := &recordingUnwinder{store: store}
	m.SetUnwinder(unwinder)

	m.OpenCircuit(context.Background(), "manual halt")

	if !unwinder.called {
		t.Fatal("unwinder should run when the circuit opens")
	}
	if unwinder.persistedOpenAtCall {
		t.Error("unwind must run before the open flag is persisted")
	}
	if !m.IsOpen() {
		t.Error("circuit should be open after OpenCircuit")
	}
}

func TestOpenCircuitHaltsEvenWhenUnwindFails(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	m.SetUnwinder(&recordingUnwinder{store: store, err: errors.New("close failed")})

	m.OpenCircuit(context.Background(), "manual halt")

	if !m.IsOpen() {
		t.Error("a failed unwind must not prevent the halt")
	}
}

func TestOpenCircuitIdempotent(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	unwinder := &recordingUnwinder{store: store}
	m.SetUnwinder(unwinder)

	m.OpenCircuit(context.Background(), "first")

	unwinder.called = false
	m.OpenCircuit(context.Background(), "second")

	if unwinder.called {
		t.Error("a second OpenCircuit must not unwind again")
	}
	if m.Reason() != "first" {
		t.Errorf("Reason = %q, expected the original reason", m.Reason())
	}
}

// reentrantUnwinder escalates from inside the unwind, the way an emergency
// close whose cancel fails reports an orphan order back to the monitor.
type reentrantUnwinder struct {
	monitor *Monitor
	calls   int
}

func (u *reentrantUnwinder) EmergencyUnwind(ctx context.Context) error {
	u.calls++
	if u.calls > 3 {
		return errors.New("unwind loop")
	}
	u.monitor.OpenCircuit(ctx, "orphan order 9 on SPY260904C00640000: cancel failed")
	return nil
}

func TestOpenCircuitReentrantEscalationUnwindsOnce(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	unwinder := &reentrantUnwinder{monitor: m}
	m.SetUnwinder(unwinder)

	m.OpenCircuit(context.Background(), "naked income leg at tick start")

	if unwinder.calls != 1 {
		t.Fatalf("EmergencyUnwind ran %d times, expected exactly 1", unwinder.calls)
	}
	if !m.IsOpen() {
		t.Error("circuit should be open after the unwind")
	}
	if m.Reason() != "naked income leg at tick start" {
		t.Errorf("Reason = %q, expected the outer reason", m.Reason())
	}
	if !store.GetSafetyState().CircuitOpen {
		t.Error("open circuit must be persisted")
	}
}

func TestReportFailureNoOpWhileOpen(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	m.OpenCircuit(context.Background(), "halted")

	m.ReportFailure(context.Background(), "more failures")
	if m.Failures() != 0 {
		t.Errorf("Failures = %d, counting should stop while open", m.Failures())
	}
}

func TestClear(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	m.OpenCircuit(context.Background(), "halted")

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if m.IsOpen() {
		t.Error("circuit should be closed after Clear")
	}
	if store.GetSafetyState().CircuitOpen {
		t.Error("cleared state must be persisted")
	}
}

func TestMonitorReloadsPersistedState(t *testing.T) {
	store := &memStore{}
	store.safety = models.SafetyState{CircuitOpen: true, Reason: "previous crash"}

	m := NewMonitor(store, telemetry.NopSink{}, testLogger(), 3)
	if !m.IsOpen() {
		t.Error("monitor should reload a persisted open circuit")
	}
	if m.Reason() != "previous crash" {
		t.Errorf("Reason = %q", m.Reason())
	}
}

func TestActionCooldown(t *testing.T) {
	cd := NewActionCooldown(5 * time.Minute)
	base := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)

	if !cd.Ready("entry", base) {
		t.Error("untouched action should be ready")
	}

	cd.Fail("entry", base)
	if cd.Ready("entry", base.Add(time.Minute)) {
		t.Error("action should cool down after a failure")
	}
	if !cd.Ready("roll_income", base.Add(time.Minute)) {
		t.Error("cooldowns are per action")
	}
	if !cd.Ready("entry", base.Add(5*time.Minute)) {
		t.Error("action should be ready once the period elapses")
	}

	cd.Fail("entry", base)
	cd.Clear("entry")
	if !cd.Ready("entry", base) {
		t.Error("Clear should lift the cooldown immediately")
	}
}
