package models

// EngineState is the persisted/logged name for the engine's current state.
// Exactly one is active at a time; it is the sole authority for which
// actions are legal on a tick.
type EngineState string

const (
	// StateIdle means no campaign and no pending obligations.
	StateIdle EngineState = "idle"
	// StateWaitingEntry means entry filters were checked and failed; the
	// engine re-evaluates them each tick.
	StateWaitingEntry EngineState = "waiting_entry"
	// StateWaitingEvent means a blackout window forced a close; entries are
	// suppressed until the window elapses.
	StateWaitingEvent EngineState = "waiting_event"
	// StatePositionOpen means a campaign is open and being managed.
	StatePositionOpen EngineState = "position_open"
	// StateRollingIncome means the income leg is being replaced.
	StateRollingIncome EngineState = "rolling_income_leg"
	// StateRollingProtective means the protective leg is being replaced.
	StateRollingProtective EngineState = "rolling_protective_leg"
	// StateClosing means the whole campaign is being unwound.
	StateClosing EngineState = "closing_campaign"
	// StateEmergencyExit means the safety monitor is force-closing an
	// unprotected leg before halting.
	StateEmergencyExit EngineState = "emergency_exit"
	// StateCircuitOpen is terminal until an operator clears the persisted
	// circuit state; only reconciliation checks run.
	StateCircuitOpen EngineState = "circuit_open"
)

// Description returns a human-readable summary of the state for logs and
// the dashboard.
func (s EngineState) Description() string {
	switch s {
	case StateIdle:
		return "no active campaign, ready for new entries"
	case StateWaitingEntry:
		return "entry filters not yet satisfied"
	case StateWaitingEvent:
		return "waiting out an event blackout window"
	case StatePositionOpen:
		return "campaign open, monitoring roll and exit conditions"
	case StateRollingIncome:
		return "rolling the income leg to a new expiry"
	case StateRollingProtective:
		return "replacing the protective leg"
	case StateClosing:
		return "closing the campaign"
	case StateEmergencyExit:
		return "emergency unwind in progress"
	case StateCircuitOpen:
		return "circuit open - trading halted until operator reset"
	default:
		return "unknown state"
	}
}

// Terminal reports whether the state permits no further transitions without
// operator intervention.
func (s EngineState) Terminal() bool { return s == StateCircuitOpen }
