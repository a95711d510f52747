package pipeline

import (
	"fmt"
	"sync"
	"time"
)

type Variant string

const (
	VariantNone       Variant = ""
	VariantProduction Variant = "production"
	VariantValidation Variant = "validation"
	VariantSandbox    Variant = "sandbox"
)

// Applies reports whether the variant is allowed to mutate infrastructure.
func (v Variant) Applies() bool {
	return v == VariantProduction || v == VariantSandbox
}

type State string

const (
	StateDispatched    State = "dispatched"
	StateAuthenticated State = "authenticated"
	StatePlanned       State = "planned"
	StateApplied       State = "applied"
	StatePlanOnly      State = "plan_only"
	StatePublished     State = "published"
	StateDeployed      State = "deployed"
	StateHealthChecked State = "health_checked"
	StateDestroyed     State = "destroyed"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateSkipped       State = "skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Legal forward transitions. Every non-terminal state may also move to StateFailed.
var transitions = map[State][]State{
	StateDispatched:    {StateAuthenticated, StateSkipped},
	StateAuthenticated: {StatePlanned},
	StatePlanned:       {StateApplied, StatePlanOnly},
	StateApplied:       {StatePublished},
	StatePlanOnly:      {StateSucceeded},
	StatePublished:     {StateDeployed},
	StateDeployed:      {StateHealthChecked, StateSucceeded},
	StateHealthChecked: {StateDestroyed},
	StateDestroyed:     {StateSucceeded},
}

func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Run tracks the state of one pipeline execution.
type Run struct {
	Request Request
	Variant Variant

	lock    sync.Mutex
	state   State
	history []Transition
}

func NewRun(request Request, variant Variant) *Run {
	return &Run{
		Request: request,
		Variant: variant,
		state:   StateDispatched,
	}
}

func (r *Run) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

func (r *Run) History() []Transition {
	r.lock.Lock()
	defer r.lock.Unlock()
	history := make([]Transition, len(r.history))
	copy(history, r.history)
	return history
}

func (r *Run) advance(to State, message string) (Transition, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !CanTransition(r.state, to) {
		return Transition{}, fmt.Errorf("illegal state transition %s -> %s", r.state, to)
	}

	t := Transition{
		From:    r.state,
		To:      to,
		Message: message,
		Time:    time.Now(),
	}
	r.state = to
	r.history = append(r.history, t)

	return t, nil
}
