package app

import "trivia-live/internal/domain"

// Submission is one accepted answer, addressed back to its connection for the
// targeted feedback push.
type Submission struct {
	ConnectionID  string
	ParticipantID string
	Answer        string
}

// AnswerCollector is the per-round intake of at most one answer per live
// connection. The authoritative cutoff is Close, driven by the round state
// transition, never a wall-clock comparison: a submission racing the window
// timer loses exactly when resolution has begun.
//
// Owned and serialized by the Game; not safe for unguarded concurrent use.
type AnswerCollector struct {
	roundID    uint64
	questionID string
	open       bool
	subs       map[string]Submission
}

func NewAnswerCollector() *AnswerCollector {
	return &AnswerCollector{subs: make(map[string]Submission)}
}

// Begin opens intake for a fresh round, discarding anything from the previous
// one.
func (c *AnswerCollector) Begin(roundID uint64, questionID string) {
	c.roundID = roundID
	c.questionID = questionID
	c.open = true
	c.subs = make(map[string]Submission)
}

// Close ends intake. Idempotent; closing twice is harmless.
func (c *AnswerCollector) Close() {
	c.open = false
}

// Submit records an answer if the round and question match the active intake
// and the connection has not answered yet. Everything else is a silent
// rejection: the client simply missed its single window.
func (c *AnswerCollector) Submit(connectionID, participantID string, roundID uint64, questionID, answer string) error {
	if !c.open || roundID != c.roundID || questionID != c.questionID {
		return domain.ErrRejected
	}
	if _, dup := c.subs[connectionID]; dup {
		return domain.ErrRejected
	}
	c.subs[connectionID] = Submission{
		ConnectionID:  connectionID,
		ParticipantID: participantID,
		Answer:        answer,
	}
	return nil
}

// Len reports the number of accepted submissions in the active round.
func (c *AnswerCollector) Len() int {
	return len(c.subs)
}

// Drain returns the accepted submissions for resolution.
func (c *AnswerCollector) Drain() []Submission {
	out := make([]Submission, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}
