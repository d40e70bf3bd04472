package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"trivia-live/internal/domain"
)

// QuizAPI is the external system of record: roster, readiness, question
// banks, answer scoring, leaderboard and reset all live behind it.
type QuizAPI interface {
	GetRoster(ctx context.Context) ([]domain.RosterEntry, error)
	SetReady(ctx context.Context, participantID string) error
	SetUnready(ctx context.Context, participantID string) error
	GetQuestions(ctx context.Context, requesterID string) ([]domain.Question, error)
	// SubmitAnswer scores one answer. An empty participantID with an empty
	// answer is the probe form used purely to learn the correct answer.
	SubmitAnswer(ctx context.Context, participantID, questionID, answer string) (domain.AnswerResult, error)
	GetLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, error)
	ResetGame(ctx context.Context, adminID string) error
}

// Notifier pushes state-change events to all connections or to one.
type Notifier interface {
	Broadcast(event string, payload any)
	Send(connectionID, event string, payload any)
}

// AnswerCache remembers correct answers learned from scoring calls so a
// reveal never repeats the probe once ground truth is known.
type AnswerCache interface {
	Get(ctx context.Context, questionID string) (string, bool)
	Put(ctx context.Context, questionID, answer string)
}

// GameConfig carries the session timing knobs.
type GameConfig struct {
	QuestionTimeLimit time.Duration
	RevealDelay       time.Duration
	DisconnectGrace   time.Duration
}

func (c GameConfig) withDefaults() GameConfig {
	if c.QuestionTimeLimit <= 0 {
		c.QuestionTimeLimit = 15 * time.Second
	}
	if c.RevealDelay <= 0 {
		c.RevealDelay = 5 * time.Second
	}
	return c
}

// Game owns the one live trivia session hosted by this process: the player
// registry, the active round and the session state machine.
//
// All mutations happen under one mutex. Collaborator calls are the only
// operations that suspend, and they run outside the lock; any state derived
// from their results is committed back under the lock and revalidated against
// the round epoch, so a result belonging to an ended round is discarded
// instead of racing a fresh one.
type Game struct {
	api      QuizAPI
	cache    AnswerCache
	notifier Notifier
	clock    clockwork.Clock
	cfg      GameConfig

	sf singleflight.Group

	mu        sync.Mutex
	state     domain.SessionState
	registry  *PlayerRegistry
	collector *AnswerCollector
	questions []domain.Question
	qIndex    int
	round     *roundRecord
	epoch     uint64
	timer     clockwork.Timer // single pending handle for the active round
}

func NewGame(api QuizAPI, cache AnswerCache, notifier Notifier, clock clockwork.Clock, cfg GameConfig) *Game {
	return &Game{
		api:       api,
		cache:     cache,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		state:     domain.StateIdle,
		registry:  NewPlayerRegistry(clock.Now),
		collector: NewAnswerCollector(),
	}
}

// State reports the current session state.
func (g *Game) State() domain.SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Players returns the current join-ordered roster view.
func (g *Game) Players() []domain.PlayerView {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.Snapshot()
}

type connectedPayload struct {
	SocketID string `json:"socketId"`
}

// OnConnectionOpened registers a fresh transport and greets it with its
// connection id.
func (g *Game) OnConnectionOpened(connectionID string) {
	g.mu.Lock()
	g.registry.OnConnectionOpened(connectionID)
	g.mu.Unlock()

	g.notifier.Send(connectionID, "connected", connectedPayload{SocketID: connectionID})
	go g.RefreshRoster(context.Background())
}

// OnIdentify binds a connection to a participant identity. A reconnect under
// a new transport keeps the participant's session-local flags. A connection
// re-identifying as someone else detaches its previous identity, which then
// runs through the same grace eviction as a disconnect.
func (g *Game) OnIdentify(connectionID, participantID, displayName string, isAdmin bool) {
	g.mu.Lock()
	displacedID, displacedGen, displaced := g.registry.OnIdentify(connectionID, participantID, displayName, isAdmin)
	if displaced {
		g.scheduleEvictionLocked(displacedID, displacedGen)
	}
	if g.state == domain.StateIdle {
		g.state = domain.StateLobby
	}
	g.broadcastPlayersLocked()
	g.mu.Unlock()

	log.Info().Str("connection_id", connectionID).Str("participant_id", participantID).Str("pseudo", displayName).Msg("player identified")
	go g.RefreshRoster(context.Background())
}

// OnConnectionClosed drops the transport binding. The participant record
// survives for the grace window so a fast reconnect keeps its flags; a
// disconnect never interrupts a round in progress.
func (g *Game) OnConnectionClosed(connectionID string) {
	g.mu.Lock()
	participantID, gen, identified := g.registry.OnConnectionClosed(connectionID)
	if identified {
		g.scheduleEvictionLocked(participantID, gen)
	}
	if g.registry.LiveCount() == 0 && g.state == domain.StateLobby {
		g.state = domain.StateIdle
	}
	g.broadcastPlayersLocked()
	g.mu.Unlock()
}

// scheduleEvictionLocked arms the grace eviction for a participant that just
// lost its transport; with no grace configured the eviction is immediate.
func (g *Game) scheduleEvictionLocked(participantID string, gen uint64) {
	if g.cfg.DisconnectGrace > 0 {
		g.clock.AfterFunc(g.cfg.DisconnectGrace, func() {
			g.onGraceExpired(participantID, gen)
		})
		return
	}
	g.registry.EvictIfDetached(participantID, gen)
}

func (g *Game) onGraceExpired(participantID string, gen uint64) {
	g.mu.Lock()
	evicted := g.registry.EvictIfDetached(participantID, gen)
	if evicted {
		g.broadcastPlayersLocked()
	}
	g.mu.Unlock()

	if evicted {
		log.Info().Str("participant_id", participantID).Msg("participant evicted after disconnect grace")
	}
}

// RequestReady toggles readiness for the identified participant behind the
// connection. The local flag is applied optimistically; the external write is
// best effort and never rolls it back.
func (g *Game) RequestReady(connectionID, participantID string, ready bool) error {
	g.mu.Lock()
	if g.state != domain.StateIdle && g.state != domain.StateLobby {
		g.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	p, ok := g.registry.ParticipantByConnection(connectionID)
	if !ok || p.ParticipantID != participantID {
		g.mu.Unlock()
		return domain.ErrNotFound
	}
	if err := g.registry.SetReady(participantID, ready); err != nil {
		g.mu.Unlock()
		return err
	}
	g.broadcastPlayersLocked()
	g.mu.Unlock()

	go func() {
		var err error
		if ready {
			err = g.api.SetReady(context.Background(), participantID)
		} else {
			err = g.api.SetUnready(context.Background(), participantID)
		}
		if err != nil {
			log.Warn().Err(err).Str("participant_id", participantID).Bool("ready", ready).Msg("readiness write-through failed")
		}
	}()
	return nil
}

// RequestStart runs the admin-gated game start: quorum and readiness checks,
// question fetch, defensive external reset, then hand-off to the round
// scheduler. Admission failures leave the session state untouched so a retry
// stays possible.
func (g *Game) RequestStart(connectionID, requesterID string) error {
	g.mu.Lock()
	if g.state != domain.StateIdle && g.state != domain.StateLobby {
		g.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	p, ok := g.registry.ParticipantByConnection(connectionID)
	if !ok || p.ParticipantID != requesterID || !p.IsAdmin {
		g.mu.Unlock()
		return domain.ErrNotAdmin
	}
	if g.registry.LiveCount() < 2 {
		g.mu.Unlock()
		return domain.ErrInsufficientPlayers
	}
	if !g.registry.AllLiveReady() {
		g.mu.Unlock()
		return domain.ErrNotAllReady
	}
	g.mu.Unlock()

	ctx := context.Background()
	questions, err := g.api.GetQuestions(ctx, requesterID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	if len(questions) == 0 {
		return domain.ErrNoQuestionsAvailable
	}
	// Clear stale per-session external state before scoring begins.
	if err := g.api.ResetGame(ctx, requesterID); err != nil {
		log.Warn().Err(err).Msg("pre-start reset failed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != domain.StateIdle && g.state != domain.StateLobby {
		// A concurrent start won while the questions were being fetched.
		return domain.ErrInvalidTransition
	}
	// Players may have dropped or unreadied while the fetch was in flight.
	if g.registry.LiveCount() < 2 {
		return domain.ErrInsufficientPlayers
	}
	if !g.registry.AllLiveReady() {
		return domain.ErrNotAllReady
	}
	g.questions = questions
	g.qIndex = 0
	g.state = domain.StateInRound
	g.notifier.Broadcast("game_started", nil)
	log.Info().Int("questions", len(questions)).Str("admin_id", requesterID).Msg("game started")
	return g.startRoundLocked()
}

// SubmitAnswer routes a player answer into the active round's collector.
// Duplicate, stale-round and out-of-window submissions come back as
// ErrRejected, which callers treat as silence.
func (g *Game) SubmitAnswer(connectionID, questionID, answer string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != domain.StateInRound || g.round == nil {
		return domain.ErrRejected
	}
	p, ok := g.registry.ParticipantByConnection(connectionID)
	if !ok {
		return domain.ErrRejected
	}
	if err := g.collector.Submit(connectionID, p.ParticipantID, g.round.epoch, questionID, answer); err != nil {
		return err
	}
	if err := g.registry.MarkAnswered(p.ParticipantID); err != nil {
		return err
	}
	g.broadcastPlayersLocked()
	return nil
}

// RequestStop is the admin-forced abort of a game in progress. Outstanding
// timers are cancelled and in-flight scoring results are discarded; the game
// finalizes through the same leaderboard and reset path as a natural finish.
func (g *Game) RequestStop(connectionID, requesterID string) error {
	g.mu.Lock()
	if g.state != domain.StateInRound && g.state != domain.StateRevealing {
		g.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	p, ok := g.registry.ParticipantByConnection(connectionID)
	if !ok || p.ParticipantID != requesterID || !p.IsAdmin {
		g.mu.Unlock()
		return domain.ErrNotAdmin
	}
	g.abortRoundLocked()
	g.state = domain.StateFinished
	g.mu.Unlock()

	log.Info().Str("admin_id", requesterID).Msg("game stopped by admin")
	go g.finishGame(context.Background())
	return nil
}

// RefreshRoster reconciles the registry against a fresh external snapshot and
// broadcasts the merged roster. Concurrent refresh triggers collapse into one
// collaborator call; a failed fetch means no update this cycle, never a stall.
func (g *Game) RefreshRoster(ctx context.Context) {
	_, _, _ = g.sf.Do("roster", func() (any, error) {
		entries, err := g.api.GetRoster(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("roster refresh skipped")
			return nil, nil
		}
		g.mu.Lock()
		// Reconcile only writes externally-owned fields, so applying it after
		// a round ended is safe; session-local flags are never touched.
		g.registry.Reconcile(entries)
		g.broadcastPlayersLocked()
		g.mu.Unlock()
		return nil, nil
	})
}

func (g *Game) broadcastPlayersLocked() {
	g.notifier.Broadcast("players_update", g.registry.Snapshot())
}
