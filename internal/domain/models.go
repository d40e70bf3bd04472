package domain

import "time"

// SessionState is the authoritative lifecycle state of the one live session
// hosted by this process.
type SessionState int

const (
	// StateIdle means no identified participants and no game.
	StateIdle SessionState = iota
	// StateLobby means participants are connected but no game has started.
	StateLobby
	// StateInRound means exactly one round is collecting or resolving answers.
	StateInRound
	// StateRevealing means the answer is shown, waiting out the reveal delay.
	StateRevealing
	// StateFinished means the last round ended and finalization is in progress.
	StateFinished
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLobby:
		return "lobby"
	case StateInRound:
		return "in_round"
	case StateRevealing:
		return "revealing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Participant merges two provenance zones: fields owned by the external store
// (DisplayName, Score, IsAdmin) and fields owned by this session (IsReady,
// HasAnswered, Unconfirmed). ParticipantID is the reconciliation key; the
// connection id only addresses a live transport and changes on reconnect.
type Participant struct {
	ParticipantID string
	ConnectionID  string // empty while disconnected within the grace window
	DisplayName   string
	IsAdmin       bool
	Score         int
	IsReady       bool
	HasAnswered   bool
	Unconfirmed   bool // live here but absent from the last roster snapshot
	JoinedAt      time.Time
}

// RosterEntry is one row of the external store's roster snapshot.
type RosterEntry struct {
	ParticipantID string
	DisplayName   string
	Score         int
	IsAdmin       bool
	IsReady       bool
}

// PlayerView is the broadcast-friendly projection of a participant, in the
// field names the frontend listens for.
type PlayerView struct {
	ParticipantID string `json:"participantId"`
	ConnectionID  string `json:"id"`
	DisplayName   string `json:"pseudo"`
	IsAdmin       bool   `json:"is_admin"`
	Score         int    `json:"score"`
	IsReady       bool   `json:"is_ready"`
	HasAnswered   bool   `json:"has_answered_current_q"`
	Unconfirmed   bool   `json:"unconfirmed,omitempty"`
}

// Question is one entry of the loaded question sequence. Option order is
// meaningful; the correct answer is never part of this record.
type Question struct {
	ID      string
	Text    string
	Options []string
}

// AnswerResult is the outcome of scoring one submission externally.
type AnswerResult struct {
	IsCorrect     bool
	CorrectAnswer string
	ScoreEarned   int
}

// LeaderboardEntry is one ranked row of the final scoreboard, order given by
// the external store (descending score).
type LeaderboardEntry struct {
	DisplayName string `json:"pseudo"`
	Score       int    `json:"score"`
}
