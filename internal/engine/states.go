package engine

import (
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// State is the engine's current mode. Each variant carries only the fields
// valid in that mode, so impossible combinations cannot be represented; the
// models.EngineState name is what gets persisted and logged.
type State interface {
	Name() models.EngineState
}

// Idle: no campaign and no pending obligations.
type Idle struct{}

func (Idle) Name() models.EngineState { return models.StateIdle }

// WaitingEntry: entry filters were checked and failed; re-evaluated each
// tick.
type WaitingEntry struct {
	Since time.Time
}

func (WaitingEntry) Name() models.EngineState { return models.StateWaitingEntry }

// WaitingEvent: a blackout-driven close happened; entries are suppressed
// until the event window elapses.
type WaitingEvent struct {
	Event string
	Until time.Time
}

func (WaitingEvent) Name() models.EngineState { return models.StateWaitingEvent }

// PositionOpen: a campaign is open (complete or protective-only) and being
// managed.
type PositionOpen struct{}

func (PositionOpen) Name() models.EngineState { return models.StatePositionOpen }

// RollingIncomeLeg: the income leg reached its roll trigger; the roll runs
// on this tick.
type RollingIncomeLeg struct {
	Direction models.RollType
}

func (RollingIncomeLeg) Name() models.EngineState { return models.StateRollingIncome }

// RollingProtectiveLeg: the protective leg degraded; it is replaced on this
// tick.
type RollingProtectiveLeg struct {
	Trigger string // "delta" or "margin"
}

func (RollingProtectiveLeg) Name() models.EngineState { return models.StateRollingProtective }

// CloseReason orders the campaign close triggers; the first satisfied
// reason is used verbatim in logs and metrics.
type CloseReason string

const (
	CloseExpiry      CloseReason = "protective_expiry"
	CloseBlackout    CloseReason = "event_blackout"
	CloseLossCeiling CloseReason = "loss_ceiling"
	CloseTrendFlip   CloseReason = "trend_flip"
)

// ClosingCampaign: the whole position is being unwound for Reason.
type ClosingCampaign struct {
	Reason CloseReason
	Event  string // populated for blackout closes
}

func (ClosingCampaign) Name() models.EngineState { return models.StateClosing }

// EmergencyExit: the safety monitor is force-closing an unprotected leg
// before halting.
type EmergencyExit struct {
	Reason string
}

func (EmergencyExit) Name() models.EngineState { return models.StateEmergencyExit }

// CircuitOpen: terminal until an operator clears the persisted circuit
// state; only reconciliation checks run.
type CircuitOpen struct {
	Reason string
}

func (CircuitOpen) Name() models.EngineState { return models.StateCircuitOpen }

// stateFromName rebuilds the typed state from the persisted name at
// startup. Transient states collapse to their parent mode so a crash
// mid-roll resumes from a safe evaluation point.
func stateFromName(name models.EngineState, reason string) State {
	switch name {
	case models.StateWaitingEntry:
		return WaitingEntry{Since: time.Now().UTC()}
	case models.StateWaitingEvent:
		return WaitingEvent{}
	case models.StatePositionOpen,
		models.StateRollingIncome,
		models.StateRollingProtective,
		models.StateClosing,
		models.StateEmergencyExit:
		return PositionOpen{}
	case models.StateCircuitOpen:
		return CircuitOpen{Reason: reason}
	default:
		return Idle{}
	}
}
