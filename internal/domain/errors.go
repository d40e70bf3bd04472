package domain

import "errors"

var (
	// ErrNotFound is returned for an unknown participant or connection reference.
	ErrNotFound = errors.New("participant not found")
	// ErrInvalidTransition is returned on state-machine misuse, e.g. starting a
	// round while one is active.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrRejected marks a legitimate late or duplicate submission. Not a fault.
	ErrRejected = errors.New("submission rejected")
	// ErrExternalUnavailable wraps a failed or malformed collaborator call.
	ErrExternalUnavailable = errors.New("external quiz API unavailable")
	// ErrNoQuestionsAvailable is returned when the store has no question set.
	ErrNoQuestionsAvailable = errors.New("no questions available")
	// ErrNotAdmin is returned when a non-admin requests an admin action.
	ErrNotAdmin = errors.New("action reserved to the admin")
	// ErrInsufficientPlayers is returned when the start quorum is not met.
	ErrInsufficientPlayers = errors.New("at least two connected players required")
	// ErrNotAllReady is returned when some connected player is not ready.
	ErrNotAllReady = errors.New("all players must be ready")
)
