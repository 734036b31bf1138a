package domain

// BotState is the single lifecycle token of the whole system. Exactly one
// token lives in the state file at any time.
type BotState string

const (
	StateInitializing      BotState = "initializing"
	StateProvisioning      BotState = "provisioning"
	StateBootstrapping     BotState = "bootstrapping"
	StateRegistration      BotState = "registration"
	StateIdle              BotState = "idle"
	StateAnalyzing         BotState = "analyzing"
	StateTrading           BotState = "trading"
	StateMonitoring        BotState = "monitoring"
	StateUpdating          BotState = "updating"
	StateRunning           BotState = "running"
	StateGracefulClosing   BotState = "graceful_closing_positions"
	StateShutdownTriggered BotState = "shutdown_triggered"
	StateError             BotState = "error"
)

// AllStates lists every valid lifecycle token.
var AllStates = []BotState{
	StateInitializing, StateProvisioning, StateBootstrapping,
	StateRegistration, StateIdle, StateAnalyzing, StateTrading,
	StateMonitoring, StateUpdating, StateRunning, StateGracefulClosing,
	StateShutdownTriggered, StateError,
}

// Valid reports whether s is a recognized lifecycle token.
func (s BotState) Valid() bool {
	for _, v := range AllStates {
		if s == v {
			return true
		}
	}
	return false
}

// Runnable reports whether strategy workers may execute in this state.
func (s BotState) Runnable() bool {
	switch s {
	case StateRunning, StateTrading, StateMonitoring, StateAnalyzing:
		return true
	}
	return false
}

// Phase names one slot of the trading day. The dispatcher executes phases
// strictly in the order returned by PhaseOrder.
type Phase string

const (
	PhaseOpen         Phase = "open"
	PhaseHoldingsOpen Phase = "holdings_open"
	PhaseMid          Phase = "mid"
	PhaseHoldingsMid  Phase = "holdings_mid"
	PhaseClose        Phase = "close"
	PhaseUniverse     Phase = "universe"
)

// PhaseOrder returns the canonical intraday execution order.
func PhaseOrder() []Phase {
	return []Phase{
		PhaseOpen, PhaseHoldingsOpen, PhaseMid,
		PhaseHoldingsMid, PhaseClose, PhaseUniverse,
	}
}

// StrategyPhase reports whether p runs a signal-producing strategy worker
// (as opposed to a holdings or universe maintenance worker).
func (p Phase) StrategyPhase() bool {
	return p == PhaseOpen || p == PhaseMid || p == PhaseClose
}

// ExpectedState is the lifecycle token the dispatcher writes before
// spawning the worker for this phase.
func (p Phase) ExpectedState() BotState {
	if p.StrategyPhase() {
		return StateTrading
	}
	return StateUpdating
}

// ControlFlag names a presence-based control file. Existence is the only
// signal; contents are ignored and the file is removed on handling.
type ControlFlag string

const (
	FlagStart    ControlFlag = "control_start"
	FlagStop     ControlFlag = "control_stop"
	FlagKill     ControlFlag = "control_kill"
	FlagTestMode ControlFlag = "test_mode"
)
