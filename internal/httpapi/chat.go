package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/jackie/internal/history"
)

type chatRequest struct {
	Contact string `json:"phone_number"`
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// POST /chat falls back to the default contact when none is given.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "missing body")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	contact := strings.TrimSpace(req.Contact)
	if contact == "" {
		contact = s.cfg.DefaultContact
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	s.runTurn(w, r, contact, req.Message)
}

// POST /chat/raw requires both fields.
func (s *Server) handleChatRaw(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	contact := strings.TrimSpace(req.Contact)
	if contact == "" || strings.TrimSpace(req.Message) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing phone_number or message"})
		return
	}
	s.runTurn(w, r, contact, req.Message)
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, contact, message string) {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat service not configured")
		return
	}
	if !s.limiter.Allow(contact) {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
		return
	}
	reply := s.chat.HandleTurn(r.Context(), contact, message)
	respondJSON(w, http.StatusOK, chatResponse{Response: reply})
}

type monitorMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type monitorSession struct {
	SessionID     string           `json:"session_id"`
	Contact       string           `json:"phone_number"`
	MessagesCount int              `json:"messages_count"`
	Messages      []monitorMessage `json:"messages"`
	LastActivity  time.Time        `json:"last_activity"`
}

type monitorResponse struct {
	Count    int              `json:"count"`
	Sessions []monitorSession `json:"sessions"`
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	out := monitorResponse{Sessions: []monitorSession{}}
	if s.chat != nil {
		for _, snap := range s.chat.ActiveSessions() {
			ms := monitorSession{
				SessionID:     snap.SessionID,
				Contact:       snap.Contact,
				MessagesCount: snap.MessageCount,
				Messages:      make([]monitorMessage, 0, len(snap.Messages)),
				LastActivity:  snap.LastActivityAt,
			}
			for _, m := range snap.Messages {
				kind := "user"
				if m.Role == history.RoleAssistant {
					kind = "ai"
				}
				ms.Messages = append(ms.Messages, monitorMessage{Type: kind, Content: m.Content})
			}
			out.Sessions = append(out.Sessions, ms)
		}
	}
	out.Count = len(out.Sessions)
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat service not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"closed": s.chat.Sweep(r.Context())})
}
