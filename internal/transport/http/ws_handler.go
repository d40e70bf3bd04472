package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"trivia-live/internal/app"
	"trivia-live/internal/domain"
)

// WSHandler upgrades HTTP requests to websockets and wires client intents
// into the game session.
type WSHandler struct {
	game     *app.Game
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(game *app.Game, hub *Hub) *WSHandler {
	return &WSHandler{
		game: game,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type identifyPayload struct {
	ParticipantID json.Number `json:"participantId"`
	Pseudo        string      `json:"pseudo"`
	IsAdmin       bool        `json:"is_admin"`
}

type readyPayload struct {
	ParticipantID json.Number `json:"participantId"`
}

type answerPayload struct {
	QuestionID json.Number `json:"question_id"`
	Answer     string      `json:"answer"`
}

type adminPayload struct {
	AdminID json.Number `json:"admin_id"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	connectionID := uuid.NewString()
	send := h.hub.register(connectionID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("connection_id", connectionID).Msg("ws write error")
				return
			}
		}
	}()

	h.game.OnConnectionOpened(connectionID)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.dispatch(connectionID, inbound)
	}

	h.hub.unregister(connectionID)
	h.game.OnConnectionClosed(connectionID)
	// Unblock a writer stuck on a dead peer before waiting it out.
	conn.Close()
	<-writerDone
}

func (h *WSHandler) dispatch(connectionID string, inbound inboundMessage) {
	switch inbound.Type {
	case "player_info":
		var payload identifyPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			h.sendError(connectionID, "invalid player_info payload")
			return
		}
		h.game.OnIdentify(connectionID, payload.ParticipantID.String(), payload.Pseudo, payload.IsAdmin)

	case "player_ready", "player_unready":
		var payload readyPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			h.sendError(connectionID, "invalid ready payload")
			return
		}
		ready := inbound.Type == "player_ready"
		if err := h.game.RequestReady(connectionID, payload.ParticipantID.String(), ready); err != nil {
			h.sendError(connectionID, errorText(err))
		}

	case "player_answer":
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return
		}
		// Rejections are silent: the client simply missed its window.
		if err := h.game.SubmitAnswer(connectionID, payload.QuestionID.String(), payload.Answer); err != nil && !errors.Is(err, domain.ErrRejected) {
			log.Debug().Err(err).Str("connection_id", connectionID).Msg("answer dropped")
		}

	case "start_game_request":
		var payload adminPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			h.sendError(connectionID, "invalid start payload")
			return
		}
		if err := h.game.RequestStart(connectionID, payload.AdminID.String()); err != nil {
			h.sendError(connectionID, errorText(err))
		}

	case "stop_game_request":
		var payload adminPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			h.sendError(connectionID, "invalid stop payload")
			return
		}
		if err := h.game.RequestStop(connectionID, payload.AdminID.String()); err != nil {
			h.sendError(connectionID, errorText(err))
		}

	default:
		h.sendError(connectionID, "unsupported message type")
	}
}

func (h *WSHandler) sendError(connectionID, message string) {
	h.hub.Send(connectionID, "error_message", errorPayload{Message: message})
}

// errorText maps session errors to the human-readable reasons pushed to the
// originating connection.
func errorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotAdmin):
		return "This action is reserved to the administrator."
	case errors.Is(err, domain.ErrInsufficientPlayers):
		return "At least 2 connected players are required."
	case errors.Is(err, domain.ErrNotAllReady):
		return "Everyone must be ready before starting."
	case errors.Is(err, domain.ErrNoQuestionsAvailable):
		return "No valid questions received from the API."
	case errors.Is(err, domain.ErrInvalidTransition):
		return "That action is not possible in the current game state."
	case errors.Is(err, domain.ErrNotFound):
		return "Player identity mismatch."
	case errors.Is(err, domain.ErrExternalUnavailable):
		return "The quiz API is unreachable, try again."
	default:
		return err.Error()
	}
}
