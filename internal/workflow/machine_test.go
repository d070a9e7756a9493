package workflow

import (
	"errors"
	"testing"

	"workrelay/internal/domain"
)

func TestHappyPathToCompleted(t *testing.T) {
	steps, err := Apply(domain.StateCreated, EventDispatch, EventInvocationSucceeded, EventHandoff, EventDispatch, EventInvocationSucceeded, EventApprove)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := steps[len(steps)-1].To; got != domain.StateCompleted {
		t.Fatalf("final state = %s", got)
	}
	if steps[2].To != domain.StateHandoff || steps[3].To != domain.StateDispatched {
		t.Fatalf("handoff should loop back to dispatched: %+v", steps)
	}
}

func TestFailuresAreTerminal(t *testing.T) {
	for _, ev := range []Event{EventInvocationTimedOut, EventInvocationFailed, EventCancel} {
		next, err := Transition(domain.StateDispatched, ev)
		if err != nil || next != domain.StateFailed {
			t.Fatalf("%s: got %s, %v", ev, next, err)
		}
	}
	all := []Event{EventDispatch, EventInvocationSucceeded, EventInvocationTimedOut, EventInvocationFailed,
		EventCancel, EventHandoff, EventApprove, EventReject, EventNote}
	for _, s := range []domain.State{domain.StateCompleted, domain.StateFailed} {
		for _, ev := range all {
			if Accepts(s, ev) {
				t.Fatalf("terminal state %s accepted %s", s, ev)
			}
		}
	}
}

func TestRejectedTransitionKeepsState(t *testing.T) {
	next, err := Transition(domain.StateCreated, EventApprove)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if next != domain.StateCreated {
		t.Fatalf("state changed on rejected event: %s", next)
	}
}

func TestTransitionIsDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		next, err := Transition(domain.StateAwaitingReview, EventReject)
		if err != nil || next != domain.StateFailed {
			t.Fatalf("run %d: %s %v", i, next, err)
		}
	}
}

func TestEventForInvocation(t *testing.T) {
	if ev, ok := EventForInvocation(domain.InvocationTimedOut); !ok || ev != EventInvocationTimedOut {
		t.Fatalf("timed_out -> %s", ev)
	}
	if _, ok := EventForInvocation(domain.InvocationRunning); ok {
		t.Fatalf("running is not terminal")
	}
}

func TestReviewChain(t *testing.T) {
	c, err := NewReviewChain([]string{"Implementation", "planning", "Review", "Strategy"}, "")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if next, ok := c.Next(domain.RoleImplementation); !ok || next != domain.RolePlanning {
		t.Fatalf("next(Implementation) = %s", next)
	}
	if next, ok := c.Next(domain.RoleReview); !ok || next != domain.RoleStrategy {
		t.Fatalf("next(Review) = %s", next)
	}
	if _, ok := c.Next(domain.RoleStrategy); ok {
		t.Fatalf("final role has no next reviewer")
	}
	if !c.IsFinal(domain.RoleStrategy) || c.IsFinal(domain.RoleReview) {
		t.Fatalf("final role mismatch")
	}
	if _, err := NewReviewChain([]string{"Janitor"}, ""); err == nil {
		t.Fatalf("expected unknown role error")
	}
}
