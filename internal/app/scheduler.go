package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"trivia-live/internal/domain"
)

// roundRecord is the state of the one active round. Created on entering
// collection, mutated only by the collector (inserts) and the resolve/reveal
// steps, discarded when the round advances or aborts.
type roundRecord struct {
	question domain.Question
	ordinal  int
	deadline time.Time
	revealed string
	// epoch ties timers and in-flight collaborator results to this round;
	// a transition away bumps the game epoch so stale callbacks and late
	// results fall through instead of racing the next round.
	epoch uint64
}

type newQuestionPayload struct {
	QuestionNumber int      `json:"questionNumber"`
	TotalQuestions int      `json:"totalQuestions"`
	ID             string   `json:"id"`
	QuestionText   string   `json:"questionText"`
	Options        []string `json:"options"`
	TimeLimit      int      `json:"timeLimit"`
}

type feedbackPayload struct {
	IsCorrect     bool   `json:"isCorrect"`
	CorrectAnswer string `json:"correctAnswer"`
}

type revealPayload struct {
	CorrectAnswer string `json:"correctAnswer"`
}

// startRoundLocked announces the question at g.qIndex and arms the collection
// window. Exactly one round may be active: a second start while one is live
// is an invalid transition and leaves the deadline and submissions untouched.
func (g *Game) startRoundLocked() error {
	if g.round != nil {
		return domain.ErrInvalidTransition
	}
	question := g.questions[g.qIndex]
	g.epoch++
	epoch := g.epoch
	g.round = &roundRecord{
		question: question,
		ordinal:  g.qIndex + 1,
		deadline: g.clock.Now().Add(g.cfg.QuestionTimeLimit),
		epoch:    epoch,
	}
	g.collector.Begin(epoch, question.ID)
	g.registry.ResetAnswered()

	g.notifier.Broadcast("new_question", newQuestionPayload{
		QuestionNumber: g.round.ordinal,
		TotalQuestions: len(g.questions),
		ID:             question.ID,
		QuestionText:   question.Text,
		Options:        question.Options,
		TimeLimit:      int(g.cfg.QuestionTimeLimit / time.Second),
	})
	g.broadcastPlayersLocked()

	g.stopTimerLocked()
	g.timer = g.clock.AfterFunc(g.cfg.QuestionTimeLimit, func() {
		g.onCollectWindowExpired(epoch)
	})
	log.Info().Str("question_id", question.ID).Int("ordinal", g.round.ordinal).Msg("round started")
	return nil
}

// onCollectWindowExpired closes intake for the round identified by epoch and
// resolves it. Scoring calls run outside the lock; their combined result is
// committed only if the round is still the active one.
func (g *Game) onCollectWindowExpired(epoch uint64) {
	g.mu.Lock()
	if g.round == nil || g.round.epoch != epoch || g.state != domain.StateInRound {
		g.mu.Unlock()
		return
	}
	// The state transition is the authoritative cutoff: from here on no
	// submission for this round is accepted, however close to the deadline.
	g.collector.Close()
	submissions := g.collector.Drain()
	question := g.round.question
	g.timer = nil
	g.mu.Unlock()

	ctx := context.Background()
	correct := g.resolveSubmissions(ctx, question, submissions)

	g.mu.Lock()
	if g.round == nil || g.round.epoch != epoch {
		// Round was aborted while scoring was in flight; discard.
		g.mu.Unlock()
		return
	}
	g.round.revealed = correct
	g.state = domain.StateRevealing
	g.notifier.Broadcast("reveal_answer", revealPayload{CorrectAnswer: correct})
	g.timer = g.clock.AfterFunc(g.cfg.RevealDelay, func() {
		g.onRevealExpired(epoch)
	})
	g.mu.Unlock()

	// Pull fresh scores so the roster settles while the answer is on screen.
	g.RefreshRoster(ctx)
}

// resolveSubmissions scores every submission, pushes private feedback to each
// submitter, and returns the correct answer learned along the way. Per-player
// order is irrelevant; each call is independent. With no submissions, or none
// revealing the answer, one probe call learns it; the cache short-circuits
// the probe for a question already resolved this session. An unreachable
// collaborator degrades to an unknown answer, never a stalled round.
func (g *Game) resolveSubmissions(ctx context.Context, question domain.Question, submissions []Submission) string {
	correct := ""
	for _, sub := range submissions {
		result, err := g.api.SubmitAnswer(ctx, sub.ParticipantID, question.ID, sub.Answer)
		if err != nil {
			log.Warn().Err(err).Str("participant_id", sub.ParticipantID).Str("question_id", question.ID).Msg("scoring call failed")
			continue
		}
		if correct == "" && result.CorrectAnswer != "" {
			correct = result.CorrectAnswer
		}
		g.notifier.Send(sub.ConnectionID, "feedback_answer", feedbackPayload{
			IsCorrect:     result.IsCorrect,
			CorrectAnswer: result.CorrectAnswer,
		})
	}

	if correct == "" {
		if cached, ok := g.cache.Get(ctx, question.ID); ok {
			correct = cached
		}
	}
	if correct == "" {
		result, err := g.api.SubmitAnswer(ctx, "", question.ID, "")
		if err != nil {
			log.Warn().Err(err).Str("question_id", question.ID).Msg("answer probe failed, revealing unknown")
		} else {
			correct = result.CorrectAnswer
		}
	}
	if correct != "" {
		g.cache.Put(ctx, question.ID, correct)
	}
	return correct
}

// onRevealExpired advances to the next question or finalizes the game.
func (g *Game) onRevealExpired(epoch uint64) {
	g.mu.Lock()
	if g.round == nil || g.round.epoch != epoch || g.state != domain.StateRevealing {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	g.round = nil
	g.qIndex++
	if g.qIndex < len(g.questions) {
		g.state = domain.StateInRound
		if err := g.startRoundLocked(); err != nil {
			log.Error().Err(err).Msg("failed to start next round")
		}
		g.mu.Unlock()
		return
	}
	g.state = domain.StateFinished
	g.mu.Unlock()

	g.finishGame(context.Background())
}

// finishGame publishes the final leaderboard, resets the external store keyed
// by the current admin (sentinel when none is live), clears local ephemeral
// flags and returns the session to the lobby.
func (g *Game) finishGame(ctx context.Context) {
	leaderboard, err := g.api.GetLeaderboard(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("leaderboard fetch failed, publishing empty scores")
	}
	if leaderboard == nil {
		leaderboard = []domain.LeaderboardEntry{}
	}
	g.notifier.Broadcast("final_scores", leaderboard)
	g.notifier.Broadcast("quiz_end", nil)

	g.mu.Lock()
	adminID := g.registry.AdminID()
	g.mu.Unlock()
	if err := g.api.ResetGame(ctx, adminID); err != nil {
		log.Warn().Err(err).Str("admin_id", adminID).Msg("post-game reset failed")
	}

	g.mu.Lock()
	g.registry.ResetReady()
	g.registry.ResetAnswered()
	g.questions = nil
	g.qIndex = 0
	if g.registry.LiveCount() > 0 {
		g.state = domain.StateLobby
	} else {
		g.state = domain.StateIdle
	}
	g.broadcastPlayersLocked()
	g.mu.Unlock()

	log.Info().Msg("game finished, session back to lobby")
	g.RefreshRoster(ctx)
}

// abortRoundLocked tears down the active round: the epoch bump orphans any
// stale timer callback or in-flight scoring result, and the timer stop is
// idempotent against cancel-twice.
func (g *Game) abortRoundLocked() {
	g.epoch++
	g.stopTimerLocked()
	g.collector.Close()
	g.round = nil
}

func (g *Game) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
