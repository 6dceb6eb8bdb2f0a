// internal/state/state.go

// Package state owns the per-user conversation state: the legal transition
// table and the single read/write path to the persisted state row.
package state

type State string

const (
	// Unset is the implicit state before first contact initializes a row.
	Unset         State = ""
	Onboarding    State = "onboarding"
	PlanSelection State = "plan_selection"
	Setup         State = "setup"
	Payment       State = "payment"
	Active        State = "active"
	Expired       State = "expired"
	Cancelled     State = "cancelled"
)

var transitions = map[State][]State{
	Unset:         {Onboarding},
	Onboarding:    {PlanSelection},
	PlanSelection: {Setup},
	Setup:         {Payment},
	Payment:       {Active, Cancelled},
	Active:        {Expired, Cancelled},
	Expired:       {Onboarding},
	Cancelled:     {Onboarding},
}

// CanTransition reports whether moving from one state to another is legal.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Known reports whether s is a recognized state name. Dispatch falls back to
// onboarding for anything unrecognized so a corrupt row still lets the user
// restart.
func Known(s State) bool {
	_, ok := transitions[s]
	return ok
}
