package models

import (
	"time"

	id "efiling/pkg/domain"
)

// Transition is one entry in a filing's append-only history. SessionState
// captures the verification session as it was at the moment of the move,
// which is what makes "SUBMITTED only from a completed session" checkable
// after the fact.
type Transition struct {
	FilingID     id.FilingID   `json:"filing_id"`
	From         State         `json:"from"`
	To           State         `json:"to"`
	Event        Event         `json:"event"`
	SessionID    *id.SessionID `json:"session_id,omitempty"`
	SessionState SessionState  `json:"session_state,omitempty"`
	At           time.Time     `json:"at"`
}
