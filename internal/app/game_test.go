package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"trivia-live/internal/app"
	"trivia-live/internal/domain"
	"trivia-live/internal/infra/memory"
)

type apiCall struct {
	ParticipantID string
	QuestionID    string
	Answer        string
}

type fakeAPI struct {
	mu          sync.Mutex
	roster      []domain.RosterEntry
	questions   []domain.Question
	leaderboard []domain.LeaderboardEntry
	submitFn    func(pid, qid, answer string) (domain.AnswerResult, error)
	questionsFn func() ([]domain.Question, error)
	submits     []apiCall
	resets      []string
}

func (f *fakeAPI) GetRoster(context.Context) ([]domain.RosterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RosterEntry{}, f.roster...), nil
}

func (f *fakeAPI) SetReady(context.Context, string) error   { return nil }
func (f *fakeAPI) SetUnready(context.Context, string) error { return nil }

func (f *fakeAPI) GetQuestions(context.Context, string) ([]domain.Question, error) {
	f.mu.Lock()
	fn := f.questionsFn
	questions := append([]domain.Question{}, f.questions...)
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return questions, nil
}

func (f *fakeAPI) SubmitAnswer(_ context.Context, pid, qid, answer string) (domain.AnswerResult, error) {
	f.mu.Lock()
	f.submits = append(f.submits, apiCall{pid, qid, answer})
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(pid, qid, answer)
	}
	return domain.AnswerResult{}, nil
}

func (f *fakeAPI) GetLeaderboard(context.Context) ([]domain.LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LeaderboardEntry{}, f.leaderboard...), nil
}

func (f *fakeAPI) ResetGame(_ context.Context, adminID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, adminID)
	return nil
}

func (f *fakeAPI) setQuestions(questions []domain.Question) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = questions
}

func (f *fakeAPI) submitCalls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall{}, f.submits...)
}

type sentEvent struct {
	Target  string // empty for broadcasts
	Event   string
	Payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *fakeNotifier) Broadcast(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{Event: event, Payload: payload})
}

func (n *fakeNotifier) Send(connectionID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{Target: connectionID, Event: event, Payload: payload})
}

func (n *fakeNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Event == event {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) last(event string) (sentEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Event == event {
			return n.events[i], true
		}
	}
	return sentEvent{}, false
}

func (n *fakeNotifier) targeted(target, event string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.Target == target && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// asMap round-trips a payload through JSON so assertions see the wire shape.
func asMap(t *testing.T, payload any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newHarness(api *fakeAPI) (*app.Game, *fakeNotifier, *memory.AnswerCache, *clockwork.FakeClock) {
	notifier := &fakeNotifier{}
	cache := memory.NewAnswerCache(time.Hour)
	clock := clockwork.NewFakeClock()
	game := app.NewGame(api, cache, notifier, clock, app.GameConfig{
		QuestionTimeLimit: 15 * time.Second,
		RevealDelay:       5 * time.Second,
		DisconnectGrace:   30 * time.Second,
	})
	return game, notifier, cache, clock
}

func join(game *app.Game, connectionID, participantID, name string, admin bool) {
	game.OnConnectionOpened(connectionID)
	game.OnIdentify(connectionID, participantID, name, admin)
}

func defaultAPI() *fakeAPI {
	return &fakeAPI{
		roster: []domain.RosterEntry{
			{ParticipantID: "1", DisplayName: "Alice", IsAdmin: true},
			{ParticipantID: "2", DisplayName: "Bob"},
		},
		questions: []domain.Question{
			{ID: "q1", Text: "Pick x", Options: []string{"x", "y"}},
		},
		leaderboard: []domain.LeaderboardEntry{
			{DisplayName: "Bob", Score: 1},
			{DisplayName: "Alice", Score: 0},
		},
		submitFn: func(pid, qid, answer string) (domain.AnswerResult, error) {
			return domain.AnswerResult{IsCorrect: answer == "x", CorrectAnswer: "x", ScoreEarned: 1}, nil
		},
	}
}

func readyBoth(t *testing.T, game *app.Game) {
	t.Helper()
	if err := game.RequestReady("conn-a", "1", true); err != nil {
		t.Fatalf("ready A: %v", err)
	}
	if err := game.RequestReady("conn-b", "2", true); err != nil {
		t.Fatalf("ready B: %v", err)
	}
}

func TestStartQuorumAndAdminGate(t *testing.T) {
	api := defaultAPI()
	game, _, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)

	if err := game.RequestReady("conn-a", "1", true); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := game.RequestStart("conn-a", "1"); !errors.Is(err, domain.ErrInsufficientPlayers) {
		t.Fatalf("expected ErrInsufficientPlayers, got %v", err)
	}

	join(game, "conn-b", "2", "Bob", false)
	if err := game.RequestStart("conn-a", "1"); !errors.Is(err, domain.ErrNotAllReady) {
		t.Fatalf("expected ErrNotAllReady, got %v", err)
	}

	if err := game.RequestReady("conn-b", "2", true); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := game.RequestStart("conn-b", "2"); !errors.Is(err, domain.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if got := game.State(); got != domain.StateLobby {
		t.Fatalf("admission failures must not move state, got %v", got)
	}
}

func TestStartWithoutQuestionsLeavesStateUntouched(t *testing.T) {
	api := defaultAPI()
	api.setQuestions(nil)
	game, _, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)

	if err := game.RequestStart("conn-a", "1"); !errors.Is(err, domain.ErrNoQuestionsAvailable) {
		t.Fatalf("expected ErrNoQuestionsAvailable, got %v", err)
	}
	if got := game.State(); got != domain.StateLobby {
		t.Fatalf("state moved on aborted start: %v", got)
	}

	// A retry after the store gets questions succeeds.
	api.setQuestions([]domain.Question{{ID: "q1", Text: "Pick x", Options: []string{"x", "y"}}})
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestEndToEndSingleQuestionGame(t *testing.T) {
	api := defaultAPI()
	game, notifier, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)

	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if notifier.count("game_started") != 1 {
		t.Fatalf("expected game_started broadcast")
	}
	question, ok := notifier.last("new_question")
	if !ok {
		t.Fatalf("expected new_question broadcast")
	}
	q := asMap(t, question.Payload)
	if q["questionNumber"] != float64(1) || q["totalQuestions"] != float64(1) || q["id"] != "q1" || q["timeLimit"] != float64(15) {
		t.Fatalf("unexpected new_question payload: %v", q)
	}

	if err := game.SubmitAnswer("conn-b", "q1", "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(15 * time.Second)
	waitFor(t, "revealing state", func() bool { return game.State() == domain.StateRevealing })

	feedback := notifier.targeted("conn-b", "feedback_answer")
	if len(feedback) != 1 {
		t.Fatalf("expected exactly one targeted feedback, got %d", len(feedback))
	}
	fb := asMap(t, feedback[0].Payload)
	if fb["isCorrect"] != true || fb["correctAnswer"] != "x" {
		t.Fatalf("unexpected feedback payload: %v", fb)
	}
	if len(notifier.targeted("conn-a", "feedback_answer")) != 0 {
		t.Fatalf("non-submitter received feedback")
	}

	reveal, ok := notifier.last("reveal_answer")
	if !ok {
		t.Fatalf("expected reveal_answer broadcast")
	}
	if asMap(t, reveal.Payload)["correctAnswer"] != "x" {
		t.Fatalf("unexpected reveal payload: %v", reveal.Payload)
	}

	clock.Advance(5 * time.Second)
	waitFor(t, "return to lobby", func() bool { return game.State() == domain.StateLobby })

	scores, ok := notifier.last("final_scores")
	if !ok {
		t.Fatalf("expected final_scores broadcast")
	}
	raw, _ := json.Marshal(scores.Payload)
	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(raw, &entries); err != nil || len(entries) != 2 || entries[0].DisplayName != "Bob" {
		t.Fatalf("unexpected final scores: %s (%v)", raw, err)
	}
	if notifier.count("quiz_end") != 1 {
		t.Fatalf("expected quiz_end broadcast")
	}

	for _, p := range game.Players() {
		if p.IsReady || p.HasAnswered {
			t.Fatalf("ephemeral flags not reset after game: %+v", p)
		}
	}
	// Pre-start defensive reset plus the end-of-game reset, both keyed by the admin.
	if len(api.resets) != 2 || api.resets[0] != "1" || api.resets[1] != "1" {
		t.Fatalf("unexpected reset calls: %v", api.resets)
	}
}

func TestDuplicateAndWrongQuestionSubmissions(t *testing.T) {
	api := defaultAPI()
	game, _, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := game.SubmitAnswer("conn-b", "q1", "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := game.SubmitAnswer("conn-b", "q1", "y"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("duplicate accepted: %v", err)
	}
	if err := game.SubmitAnswer("conn-a", "q-other", "x"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("wrong question accepted: %v", err)
	}
}

func TestLateSubmissionAfterWindowCloses(t *testing.T) {
	api := defaultAPI()
	game, _, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(15 * time.Second)
	waitFor(t, "revealing state", func() bool { return game.State() == domain.StateRevealing })

	if err := game.SubmitAnswer("conn-b", "q1", "x"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("post-window submission accepted: %v", err)
	}
}

func TestDoubleStartIsRejected(t *testing.T) {
	api := defaultAPI()
	game, notifier, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := game.SubmitAnswer("conn-b", "q1", "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := game.RequestStart("conn-a", "1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if notifier.count("new_question") != 1 {
		t.Fatalf("second start re-announced the question")
	}
	// The accepted submission survived the rejected start.
	if err := game.SubmitAnswer("conn-b", "q1", "x"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("submission state was reset by rejected start: %v", err)
	}
}

func TestReidentifiedConnectionEvictsDisplacedAfterGrace(t *testing.T) {
	api := defaultAPI()
	game, _, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)

	// conn-b switches identity; "2" is detached and must not gate the start.
	game.OnIdentify("conn-b", "3", "Carol", false)
	if err := game.RequestReady("conn-b", "3", true); err != nil {
		t.Fatalf("ready as new identity: %v", err)
	}
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("detached identity blocked start: %v", err)
	}

	clock.Advance(30 * time.Second)
	waitFor(t, "displaced identity evicted", func() bool {
		for _, p := range game.Players() {
			if p.ParticipantID == "2" {
				return false
			}
		}
		return true
	})
}

func TestStartRechecksQuorumAfterQuestionFetch(t *testing.T) {
	api := defaultAPI()
	game, _, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)

	// A player drops while the fetch is in flight.
	api.mu.Lock()
	api.questionsFn = func() ([]domain.Question, error) {
		game.OnConnectionClosed("conn-b")
		return []domain.Question{{ID: "q1", Text: "Pick x", Options: []string{"x", "y"}}}, nil
	}
	api.mu.Unlock()

	if err := game.RequestStart("conn-a", "1"); !errors.Is(err, domain.ErrInsufficientPlayers) {
		t.Fatalf("expected ErrInsufficientPlayers, got %v", err)
	}
	if got := game.State(); got != domain.StateLobby {
		t.Fatalf("aborted start moved state: %v", got)
	}
}

func TestAdminDisconnectDoesNotAbortRound(t *testing.T) {
	api := defaultAPI()
	game, notifier, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	game.OnConnectionClosed("conn-a")
	if got := game.State(); got != domain.StateInRound {
		t.Fatalf("round aborted by disconnect: %v", got)
	}

	if err := game.SubmitAnswer("conn-b", "q1", "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.Advance(15 * time.Second)
	waitFor(t, "reveal", func() bool { return notifier.count("reveal_answer") == 1 })

	// Reconnect under a new transport: identity restores admin flag and score
	// from the next reconcile.
	join(game, "conn-a2", "1", "Alice", true)
	waitFor(t, "admin restored", func() bool {
		for _, p := range game.Players() {
			if p.ParticipantID == "1" && p.ConnectionID == "conn-a2" && p.IsAdmin {
				return true
			}
		}
		return false
	})
}

func TestRevealFallsBackWhenCollaboratorDown(t *testing.T) {
	api := defaultAPI()
	api.submitFn = func(pid, qid, answer string) (domain.AnswerResult, error) {
		return domain.AnswerResult{}, errors.New("boom")
	}
	game, notifier, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := game.SubmitAnswer("conn-b", "q1", "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(15 * time.Second)
	waitFor(t, "reveal despite outage", func() bool { return notifier.count("reveal_answer") == 1 })

	reveal, _ := notifier.last("reveal_answer")
	if asMap(t, reveal.Payload)["correctAnswer"] != "" {
		t.Fatalf("expected unknown answer, got %v", reveal.Payload)
	}
	clock.Advance(5 * time.Second)
	waitFor(t, "session continues to lobby", func() bool { return game.State() == domain.StateLobby })
}

func TestCachedAnswerShortCircuitsProbe(t *testing.T) {
	api := defaultAPI()
	game, notifier, cache, clock := newHarness(api)
	cache.Put(context.Background(), "q1", "x")
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Nobody answers; the cached answer should spare the probe call.
	clock.Advance(15 * time.Second)
	waitFor(t, "reveal", func() bool { return notifier.count("reveal_answer") == 1 })

	if calls := api.submitCalls(); len(calls) != 0 {
		t.Fatalf("expected no scoring calls, got %v", calls)
	}
	reveal, _ := notifier.last("reveal_answer")
	if asMap(t, reveal.Payload)["correctAnswer"] != "x" {
		t.Fatalf("cached answer not revealed: %v", reveal.Payload)
	}
}

func TestUnansweredRoundProbesForAnswer(t *testing.T) {
	api := defaultAPI()
	game, notifier, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(15 * time.Second)
	waitFor(t, "reveal", func() bool { return notifier.count("reveal_answer") == 1 })

	calls := api.submitCalls()
	if len(calls) != 1 || calls[0].ParticipantID != "" || calls[0].Answer != "" {
		t.Fatalf("expected one anonymous probe call, got %v", calls)
	}
	reveal, _ := notifier.last("reveal_answer")
	if asMap(t, reveal.Payload)["correctAnswer"] != "x" {
		t.Fatalf("probe result not revealed: %v", reveal.Payload)
	}
}

func TestAdminStopAbortsGame(t *testing.T) {
	api := defaultAPI()
	game, notifier, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := game.RequestStop("conn-b", "2"); !errors.Is(err, domain.ErrNotAdmin) {
		t.Fatalf("non-admin stop accepted: %v", err)
	}
	if err := game.RequestStop("conn-a", "1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "finalization", func() bool { return game.State() == domain.StateLobby })
	if notifier.count("quiz_end") != 1 {
		t.Fatalf("expected quiz_end after stop")
	}

	// The orphaned collection timer must not resolve the aborted round.
	clock.Advance(15 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if notifier.count("reveal_answer") != 0 {
		t.Fatalf("aborted round still revealed")
	}
}

func TestReadyTogglesOnlyInLobby(t *testing.T) {
	api := defaultAPI()
	game, _, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := game.RequestReady("conn-b", "2", false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("ready toggle accepted mid-game: %v", err)
	}
}

func TestReadyRejectsIdentityMismatch(t *testing.T) {
	api := defaultAPI()
	game, _, _, _ := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)

	if err := game.RequestReady("conn-a", "2", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on mismatched identity, got %v", err)
	}
}

func TestMultiQuestionAdvance(t *testing.T) {
	api := defaultAPI()
	api.setQuestions([]domain.Question{
		{ID: "q1", Text: "Pick x", Options: []string{"x", "y"}},
		{ID: "q2", Text: "Pick y", Options: []string{"x", "y"}},
	})
	game, notifier, _, clock := newHarness(api)
	join(game, "conn-a", "1", "Alice", true)
	join(game, "conn-b", "2", "Bob", false)
	readyBoth(t, game)
	if err := game.RequestStart("conn-a", "1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := game.SubmitAnswer("conn-b", "q1", "x"); err != nil {
		t.Fatalf("submit q1: %v", err)
	}

	clock.Advance(15 * time.Second)
	waitFor(t, "first reveal", func() bool { return notifier.count("reveal_answer") == 1 })
	clock.Advance(5 * time.Second)
	waitFor(t, "second question", func() bool { return notifier.count("new_question") == 2 })

	// The new round accepts answers for q2 only, and the answered flags were
	// reset for the fresh round.
	if err := game.SubmitAnswer("conn-b", "q1", "x"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("stale question accepted in new round: %v", err)
	}
	if err := game.SubmitAnswer("conn-b", "q2", "y"); err != nil {
		t.Fatalf("submit q2: %v", err)
	}

	clock.Advance(15 * time.Second)
	waitFor(t, "second reveal", func() bool { return notifier.count("reveal_answer") == 2 })
	clock.Advance(5 * time.Second)
	waitFor(t, "game over", func() bool { return game.State() == domain.StateLobby })
}
