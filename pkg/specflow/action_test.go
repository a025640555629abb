package specflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedTimeout struct {
	byPhase map[string]int
	def     int
}

func (f fixedTimeout) PhaseTimeoutMin(phase string) int {
	if n, ok := f.byPhase[phase]; ok {
		return n
	}
	return f.def
}

func TestDetermineActionTerminalStatesWait(t *testing.T) {
	now := time.Now()
	timeouts := fixedTimeout{def: 30}

	for _, phase := range []string{PhaseCompleted, PhaseFailed} {
		f := &Feature{Phase: phase, Status: StatusPending}
		action := determineAction(f, timeouts, now)
		require.Equal(t, ActionWait, action.Kind)
	}
}

func TestDetermineActionBlockedWaits(t *testing.T) {
	f := &Feature{Phase: PhaseSpecifying, Status: StatusBlocked}
	action := determineAction(f, fixedTimeout{def: 30}, time.Now())
	require.Equal(t, ActionWait, action.Kind)
}

func TestDetermineActionMaxFailuresFails(t *testing.T) {
	f := &Feature{Phase: PhaseSpecifying, Status: StatusPending, FailureCount: 3, MaxFailures: 3}
	action := determineAction(f, fixedTimeout{def: 30}, time.Now())
	require.Equal(t, ActionFail, action.Kind)
}

func TestDetermineActionStaleActiveSessionReleases(t *testing.T) {
	now := time.Now()
	started := now.Add(-31 * time.Minute).UTC().Format("2006-01-02T15:04:05.000Z")
	f := &Feature{
		Phase: PhaseSpecifying, Status: StatusActive, CurrentSession: "sess-1",
		PhaseStartedAt: started, MaxFailures: 3,
	}
	action := determineAction(f, fixedTimeout{def: 30}, now)
	require.Equal(t, ActionRelease, action.Kind)
}

func TestDetermineActionFreshActiveSessionWaits(t *testing.T) {
	now := time.Now()
	started := now.Add(-5 * time.Minute).UTC().Format("2006-01-02T15:04:05.000Z")
	f := &Feature{
		Phase: PhaseSpecifying, Status: StatusActive, CurrentSession: "sess-1",
		PhaseStartedAt: started, MaxFailures: 3,
	}
	action := determineAction(f, fixedTimeout{def: 30}, now)
	require.Equal(t, ActionWait, action.Kind)
}

func TestDetermineActionSucceededIngPhaseChecksGate(t *testing.T) {
	f := &Feature{Phase: PhaseSpecifying, Status: StatusSucceeded, MaxFailures: 3}
	action := determineAction(f, fixedTimeout{def: 30}, time.Now())
	require.Equal(t, ActionCheckGate, action.Kind)
	require.Equal(t, "quality", action.GateKind)
}

func TestDetermineActionPendingEdPhaseAdvances(t *testing.T) {
	f := &Feature{Phase: PhaseSpecified, Status: StatusPending, MaxFailures: 3}
	action := determineAction(f, fixedTimeout{def: 30}, time.Now())
	require.Equal(t, ActionAdvance, action.Kind)
	require.Equal(t, PhaseSpecified, action.From)
	require.Equal(t, PhasePlanning, action.To)
}

func TestDetermineActionPendingIngPhaseRunsPhase(t *testing.T) {
	f := &Feature{Phase: PhaseSpecifying, Status: StatusPending, MaxFailures: 3}
	action := determineAction(f, fixedTimeout{def: 30}, time.Now())
	require.Equal(t, ActionRunPhase, action.Kind)
}

func TestDetermineActionQueuedPendingAdvances(t *testing.T) {
	f := &Feature{Phase: PhaseQueued, Status: StatusPending, MaxFailures: 3}
	action := determineAction(f, fixedTimeout{def: 30}, time.Now())
	require.Equal(t, ActionAdvance, action.Kind)
	require.Equal(t, PhaseQueued, action.From)
	require.Equal(t, PhaseSpecifying, action.To)
}

func TestStaleAtUnsetIsStale(t *testing.T) {
	require.True(t, staleAt(time.Time{}, false, 30, time.Now()))
}

func TestStaleAtWithinWindowIsNotStale(t *testing.T) {
	now := time.Now()
	require.False(t, staleAt(now.Add(-time.Minute), true, 30, now))
}

func TestStaleAtPastWindowIsStale(t *testing.T) {
	now := time.Now()
	require.True(t, staleAt(now.Add(-31*time.Minute), true, 30, now))
}
