package sentinel

import "errors"

// Infrastructure facts returned by stores and adapters, optionally wrapped.
// Services translate them into coded domain errors; transports never see them.
//
//   - ErrNotFound: no row or key for the identifier
//   - ErrConflict: a uniqueness guard rejected the write (active session,
//     submission record for the filing)
//   - ErrExpired: a session, token or challenge outlived its window
//   - ErrAlreadyUsed: a one-time value (callback token, OTP) was consumed
//   - ErrInvalidState: the stored entity no longer matches the caller's view
//   - ErrUnavailable: a dependency could not be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
