// Package quizapi talks to the external quiz store over its HTTP JSON API.
package quizapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"trivia-live/internal/domain"
)

// Client implements app.QuizAPI against the collaborator's /api surface.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api"+endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrExternalUnavailable, endpoint, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrExternalUnavailable, endpoint, err)
	}
	return nil
}

// playerIDValue renders a participant id the way the store expects: numeric
// when it is numeric, 0 for the anonymous answer probe.
func playerIDValue(participantID string) any {
	if participantID == "" {
		return 0
	}
	if n, err := strconv.Atoi(participantID); err == nil {
		return n
	}
	return participantID
}

type rosterRow struct {
	ID      json.Number `json:"id"`
	Pseudo  string      `json:"pseudo"`
	Score   json.Number `json:"score"`
	IsAdmin bool        `json:"is_admin"`
	IsReady bool        `json:"is_ready"`
}

func (c *Client) GetRoster(ctx context.Context) ([]domain.RosterEntry, error) {
	var rows []rosterRow
	if err := c.do(ctx, http.MethodGet, "/players/ready-list", nil, &rows); err != nil {
		return nil, err
	}
	entries := make([]domain.RosterEntry, 0, len(rows))
	for _, row := range rows {
		score, _ := row.Score.Int64()
		entries = append(entries, domain.RosterEntry{
			ParticipantID: row.ID.String(),
			DisplayName:   row.Pseudo,
			Score:         int(score),
			IsAdmin:       row.IsAdmin,
			IsReady:       row.IsReady,
		})
	}
	return entries, nil
}

func (c *Client) SetReady(ctx context.Context, participantID string) error {
	return c.do(ctx, http.MethodPost, "/players/ready", map[string]any{"player_id": playerIDValue(participantID)}, nil)
}

func (c *Client) SetUnready(ctx context.Context, participantID string) error {
	return c.do(ctx, http.MethodPost, "/players/unready", map[string]any{"player_id": playerIDValue(participantID)}, nil)
}

type questionRow struct {
	ID       json.Number `json:"id"`
	Question string      `json:"question"`
	Answers  []string    `json:"answers"`
}

func (c *Client) GetQuestions(ctx context.Context, requesterID string) ([]domain.Question, error) {
	var rows []questionRow
	if err := c.do(ctx, http.MethodPost, "/quiz/questions", map[string]any{"userId": playerIDValue(requesterID)}, &rows); err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(rows))
	for _, row := range rows {
		questions = append(questions, domain.Question{
			ID:      row.ID.String(),
			Text:    row.Question,
			Options: row.Answers,
		})
	}
	return questions, nil
}

type answerResponse struct {
	IsCorrect     bool        `json:"is_correct"`
	CorrectAnswer string      `json:"correct_answer"`
	ScoreEarned   json.Number `json:"score_earned"`
}

func (c *Client) SubmitAnswer(ctx context.Context, participantID, questionID, answer string) (domain.AnswerResult, error) {
	payload := map[string]any{
		"player_id":   playerIDValue(participantID),
		"question_id": questionID,
		"answer":      answer,
	}
	var resp answerResponse
	if err := c.do(ctx, http.MethodPost, "/quiz/answer", payload, &resp); err != nil {
		return domain.AnswerResult{}, err
	}
	earned, _ := resp.ScoreEarned.Int64()
	return domain.AnswerResult{
		IsCorrect:     resp.IsCorrect,
		CorrectAnswer: resp.CorrectAnswer,
		ScoreEarned:   int(earned),
	}, nil
}

func (c *Client) GetLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	var entries []domain.LeaderboardEntry
	if err := c.do(ctx, http.MethodGet, "/leaderboard", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ResetGame(ctx context.Context, adminID string) error {
	return c.do(ctx, http.MethodPost, "/game/reset", map[string]any{"admin_id": playerIDValue(adminID)}, nil)
}
