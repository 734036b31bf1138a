package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBotState_Valid(t *testing.T) {
	for _, s := range AllStates {
		assert.True(t, s.Valid(), "state %s", s)
	}
	assert.False(t, BotState("rebooting").Valid())
	assert.False(t, BotState("").Valid())
}

func TestBotState_Runnable(t *testing.T) {
	runnable := []BotState{StateRunning, StateTrading, StateMonitoring, StateAnalyzing}
	for _, s := range runnable {
		assert.True(t, s.Runnable(), "state %s", s)
	}
	for _, s := range []BotState{StateIdle, StateError, StateShutdownTriggered, StateGracefulClosing} {
		assert.False(t, s.Runnable(), "state %s", s)
	}
}

func TestPhaseOrder(t *testing.T) {
	want := []Phase{
		PhaseOpen, PhaseHoldingsOpen, PhaseMid,
		PhaseHoldingsMid, PhaseClose, PhaseUniverse,
	}
	assert.Equal(t, want, PhaseOrder())
}

func TestPhase_ExpectedState(t *testing.T) {
	assert.Equal(t, StateTrading, PhaseOpen.ExpectedState())
	assert.Equal(t, StateTrading, PhaseMid.ExpectedState())
	assert.Equal(t, StateTrading, PhaseClose.ExpectedState())
	assert.Equal(t, StateUpdating, PhaseHoldingsOpen.ExpectedState())
	assert.Equal(t, StateUpdating, PhaseHoldingsMid.ExpectedState())
	assert.Equal(t, StateUpdating, PhaseUniverse.ExpectedState())
}
