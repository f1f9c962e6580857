package models

import (
	"fmt"

	dErrors "efiling/pkg/domain-errors"
)

// State is the lifecycle state of a filing.
type State string

const (
	StateDraftReady      State = "DRAFT_READY"
	StateDeclared        State = "DECLARED"
	StateVerifying       State = "VERIFYING"
	StateVerifyingFailed State = "VERIFYING_FAILED"
	StateVerified        State = "VERIFIED"
	StateSubmitted       State = "SUBMITTED"
	StateAccepted        State = "ACCEPTED"
	StateRejected        State = "REJECTED"
)

// IsTerminal reports whether the filing can never change state again.
// Resubmission after a terminal state goes through a revised filing.
func (s State) IsTerminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Event names a workflow transition trigger.
type Event string

const (
	EventDeclarationsAccepted  Event = "declarations_accepted"
	EventMethodSelected        Event = "method_selected"
	EventChallengeCompleted    Event = "challenge_completed"
	EventSessionFailed         Event = "session_failed"
	EventReselectionAllowed    Event = "reselection_allowed"
	EventVerificationAbandoned Event = "verification_abandoned"
	EventSubmitted             Event = "submitted"
	EventAuthorityAccepted     Event = "authority_accepted"
	EventAuthorityRejected     Event = "authority_rejected"
)

// transitions is the single source of truth for legal state changes.
// Guards that need more than the current state (gate result, session state,
// existing submission) are enforced by the model's Can* methods.
var transitions = map[State]map[Event]State{
	StateDraftReady: {
		EventDeclarationsAccepted: StateDeclared,
	},
	StateDeclared: {
		EventMethodSelected: StateVerifying,
	},
	StateVerifying: {
		EventMethodSelected:        StateVerifying,
		EventChallengeCompleted:    StateVerified,
		EventSessionFailed:         StateVerifyingFailed,
		EventVerificationAbandoned: StateDeclared,
	},
	StateVerifyingFailed: {
		EventReselectionAllowed: StateDeclared,
	},
	StateVerified: {
		EventSubmitted: StateSubmitted,
	},
	StateSubmitted: {
		EventAuthorityAccepted: StateAccepted,
		EventAuthorityRejected: StateRejected,
	},
}

// NextState returns the state reached from `from` on `ev`, or an
// invalid_state error when the transition is not in the table.
func NextState(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", dErrors.New(dErrors.CodeInvalidState,
		fmt.Sprintf("cannot apply %s to a filing in %s", ev, from))
}
