package specflow

import (
	"fmt"
	"strings"
	"time"
)

// Action kinds determineAction may return.
const (
	ActionWait      = "wait"
	ActionFail      = "fail"
	ActionRelease   = "release"
	ActionCheckGate = "check-gate"
	ActionAdvance   = "advance"
	ActionRunPhase  = "run-phase"
)

// Action is the pure decision determineAction hands back; From/To are only
// meaningful for ActionAdvance, GateKind only for ActionCheckGate.
type Action struct {
	Kind     string
	Reason   string
	From, To string
	GateKind string
}

func wait(reason string) Action    { return Action{Kind: ActionWait, Reason: reason} }
func fail(reason string) Action    { return Action{Kind: ActionFail, Reason: reason} }
func release(reason string) Action { return Action{Kind: ActionRelease, Reason: reason} }

// staleAt reports whether t is unset, or more than minutes old as of now.
func staleAt(t time.Time, ok bool, minutes int, now time.Time) bool {
	if !ok {
		return true
	}
	return now.Sub(t) > time.Duration(minutes)*time.Minute
}

func isIng(phase string) bool { return strings.HasSuffix(phase, "ing") }
func isEd(phase string) bool  { return strings.HasSuffix(phase, "ed") }

// PhaseTimeout resolves the timeout (in minutes) for the given phase.
type PhaseTimeout interface {
	PhaseTimeoutMin(phase string) int
}

// determineAction implements §4.9.2's decision table, evaluated top to
// bottom, first match wins. now is passed in so the function stays pure
// and independently testable.
func determineAction(f *Feature, timeouts PhaseTimeout, now time.Time) Action {
	if f.Phase == PhaseCompleted || f.Phase == PhaseFailed {
		return wait("terminal state")
	}
	if f.Status == StatusBlocked {
		return wait("blocked")
	}
	if f.FailureCount >= f.MaxFailures {
		return fail(fmt.Sprintf("max failures exceeded (%d/%d)", f.FailureCount, f.MaxFailures))
	}

	startedAt, startedOK := parseISO(f.PhaseStartedAt)

	if f.CurrentSession != "" && f.Status == StatusActive && staleAt(startedAt, startedOK, timeouts.PhaseTimeoutMin(f.Phase), now) {
		return release("phase timeout exceeded")
	}
	if f.CurrentSession != "" && f.Status == StatusActive {
		return wait("session active")
	}
	if isIng(f.Phase) && f.Status == StatusSucceeded {
		return Action{Kind: ActionCheckGate, GateKind: gateMap[f.Phase], Reason: "phase succeeded"}
	}
	if isEd(f.Phase) && f.Status == StatusPending {
		if next, ok := advanceMap[f.Phase]; ok {
			return Action{Kind: ActionAdvance, From: f.Phase, To: next, Reason: "advance to next phase"}
		}
	}
	if f.Status == StatusPending {
		return Action{Kind: ActionRunPhase, From: f.Phase, Reason: "run phase"}
	}
	return wait("no action available")
}
