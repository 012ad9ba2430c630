package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-chat/internal/store"
)

type sessionRead struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageRead struct {
	ID               int64          `json:"id"`
	SessionID        int64          `json:"session_id"`
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	Model            string         `json:"model,omitempty"`
	PromptTokens     *int           `json:"prompt_tokens,omitempty"`
	CompletionTokens *int           `json:"completion_tokens,omitempty"`
	TotalTokens      *int           `json:"total_tokens,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	Pinned           bool           `json:"pinned"`
	CreatedAt        time.Time      `json:"created_at"`
}

func toSessionRead(s store.Session) sessionRead {
	return sessionRead{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func toMessageRead(m store.Message) messageRead {
	return messageRead{
		ID:               m.ID,
		SessionID:        m.SessionID,
		Role:             m.Role,
		Content:          m.Content,
		Model:            m.Model,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		TotalTokens:      m.TotalTokens,
		Metrics:          m.Metrics,
		Pinned:           m.Pinned,
		CreatedAt:        m.CreatedAt,
	}
}

func (s *Server) pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	items := make([]sessionRead, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, toSessionRead(session))
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := s.store.CreateSession(r.Context(), body.Title)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.writeJSON(w, http.StatusCreated, toSessionRead(session))
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := s.store.RenameSession(r.Context(), id, body.Title)
	if err != nil {
		s.storeError(w, err, "failed to rename session")
		return
	}
	s.writeJSON(w, http.StatusOK, toSessionRead(session))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.storeError(w, err, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	messages, total, err := s.store.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		s.storeError(w, err, "failed to list messages")
		return
	}
	items := make([]messageRead, 0, len(messages))
	for _, message := range messages {
		items = append(items, toMessageRead(message))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Model   string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Role == "" || body.Content == "" {
		s.writeError(w, http.StatusBadRequest, "role and content are required")
		return
	}
	message, session, err := s.store.AddMessage(r.Context(), id, store.NewMessage{
		Role:    body.Role,
		Content: body.Content,
		Model:   body.Model,
	})
	if err != nil {
		s.storeError(w, err, "failed to add message")
		return
	}
	if s.titles != nil && body.Role == "user" && store.ShouldGenerateTitle(session.Title) {
		s.titles.Queue(id, body.Content, body.Model)
	}
	s.writeJSON(w, http.StatusCreated, toMessageRead(message))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	messageID, ok := s.pathID(r, "messageID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := s.store.DeleteMessage(r.Context(), sessionID, messageID); err != nil {
		s.storeError(w, err, "failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePinMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	messageID, ok := s.pathID(r, "messageID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var body struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	message, err := s.store.SetMessagePin(r.Context(), sessionID, messageID, body.Pinned)
	if err != nil {
		s.storeError(w, err, "failed to pin message")
		return
	}
	s.writeJSON(w, http.StatusOK, toMessageRead(message))
}

// handleRegenerateInfo previews a regeneration: it reports the original
// prompt without deleting anything. The actual deletion happens when
// the chat request carrying regenerate_message_id runs.
func (s *Server) handleRegenerateInfo(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	messageID, ok := s.pathID(r, "messageID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	assistant, user, err := s.store.RegenerationSource(r.Context(), sessionID, messageID)
	if err != nil {
		s.storeError(w, err, "failed to resolve regeneration source")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":           sessionID,
		"assistant_message_id": assistant.ID,
		"prompt":               user.Content,
		"model":                assistant.Model,
	})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	metrics, err := s.store.CollectMetrics(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "failed to collect metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":        metrics.SessionID,
		"message_count":     metrics.MessageCount,
		"prompt_tokens":     metrics.PromptTokens,
		"completion_tokens": metrics.CompletionTokens,
		"total_tokens":      metrics.TotalTokens,
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, fallback)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}
