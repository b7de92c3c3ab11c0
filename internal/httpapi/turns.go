package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/carevoice/internal/memory"
)

// turnRequest accepts the session id under any of the names older clients
// send. An absent or null message is passed on as nil.
type turnRequest struct {
	Message     *string `json:"message"`
	SessionID   string  `json:"sessionId"`
	ID          string  `json:"id"`
	SnakeCaseID string  `json:"session_id"`
}

func (r turnRequest) sessionID() string {
	for _, id := range []string{r.SessionID, r.SnakeCaseID, r.ID} {
		if strings.TrimSpace(id) != "" {
			return id
		}
	}
	return ""
}

type turnResponse struct {
	Message   *string `json:"message"`
	SessionID string  `json:"session_id"`
	TurnID    string  `json:"turn_id,omitempty"`
}

type historyTurn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type historyResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []historyTurn `json:"turns"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn orchestrator not configured")
		return
	}
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := req.sessionID()
	reply, err := s.turns.HandleUserTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		respondFault(w, err)
		return
	}

	resp := turnResponse{SessionID: sessionID, TurnID: reply.TurnID}
	if !reply.Missing {
		content := reply.Content
		resp.Message = &content
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn orchestrator not configured")
		return
	}
	id := chi.URLParam(r, "id")
	history, err := s.turns.History(r.Context(), id)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, historyResponse{SessionID: id, Turns: toHistoryTurns(history)})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn orchestrator not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.turns.EndSession(r.Context(), id); err != nil {
		respondFault(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
		if s.sessions != nil {
			s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

func toHistoryTurns(turns []memory.Turn) []historyTurn {
	out := make([]historyTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, historyTurn{
			ID:        t.ID,
			Role:      string(t.Role),
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}
	return out
}
