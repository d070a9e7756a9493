// Package workflow holds the workflow lifecycle as a pure transition function.
package workflow

import (
	"fmt"

	"workrelay/internal/domain"
)

// Event is the kind of thing that happened to a workflow.
type Event string

const (
	EventDispatch            Event = "dispatch"
	EventInvocationSucceeded Event = "invocation_succeeded"
	EventInvocationTimedOut  Event = "invocation_timed_out"
	EventInvocationFailed    Event = "invocation_failed"
	EventCancel              Event = "cancel"
	EventHandoff             Event = "handoff"
	EventApprove             Event = "approve"
	EventReject              Event = "reject"
	EventNote                Event = "note"
)

// TransitionError reports an event that the current state does not accept.
type TransitionError struct {
	From  domain.State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition: %s on %s", e.Event, e.From)
}

type edge struct {
	from  domain.State
	event Event
}

var table = map[edge]domain.State{
	{domain.StateCreated, EventDispatch}: domain.StateDispatched,
	{domain.StateCreated, EventCancel}:   domain.StateFailed,

	{domain.StateDispatched, EventInvocationSucceeded}: domain.StateAwaitingReview,
	{domain.StateDispatched, EventInvocationTimedOut}:  domain.StateFailed,
	{domain.StateDispatched, EventInvocationFailed}:    domain.StateFailed,
	{domain.StateDispatched, EventCancel}:              domain.StateFailed,
	{domain.StateDispatched, EventNote}:                domain.StateDispatched,

	{domain.StateAwaitingReview, EventApprove}: domain.StateCompleted,
	{domain.StateAwaitingReview, EventReject}:  domain.StateFailed,
	{domain.StateAwaitingReview, EventHandoff}: domain.StateHandoff,
	{domain.StateAwaitingReview, EventCancel}:  domain.StateFailed,
	{domain.StateAwaitingReview, EventNote}:    domain.StateAwaitingReview,

	{domain.StateHandoff, EventDispatch}: domain.StateDispatched,
	{domain.StateHandoff, EventCancel}:   domain.StateFailed,
}

// Transition returns the state reached from s on ev. It has no side effects.
func Transition(s domain.State, ev Event) (domain.State, error) {
	next, ok := table[edge{s, ev}]
	if !ok {
		return s, &TransitionError{From: s, Event: ev}
	}
	return next, nil
}

// Accepts reports whether ev is valid in s.
func Accepts(s domain.State, ev Event) bool {
	_, ok := table[edge{s, ev}]
	return ok
}

// Step is one applied transition.
type Step struct {
	Event Event
	From  domain.State
	To    domain.State
}

// Apply runs events in order from s and returns every step taken. It stops at the first rejected event.
func Apply(s domain.State, evs ...Event) ([]Step, error) {
	steps := make([]Step, 0, len(evs))
	for _, ev := range evs {
		next, err := Transition(s, ev)
		if err != nil {
			return steps, err
		}
		steps = append(steps, Step{Event: ev, From: s, To: next})
		s = next
	}
	return steps, nil
}

// EventForInvocation maps a terminal invocation status to its workflow event.
func EventForInvocation(status domain.InvocationStatus) (Event, bool) {
	switch status {
	case domain.InvocationSucceeded:
		return EventInvocationSucceeded, true
	case domain.InvocationTimedOut:
		return EventInvocationTimedOut, true
	case domain.InvocationFailed:
		return EventInvocationFailed, true
	}
	return "", false
}
