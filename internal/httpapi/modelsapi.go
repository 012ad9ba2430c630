package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-chat/internal/store"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Refresh(r.Context()); err != nil {
		s.logger.Warn("manual model refresh failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "failed to reach the generation server")
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// handleShowModel proxies the upstream detail lookup for one model.
func (s *Server) handleShowModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	detail, err := s.registry.Show(r.Context(), name)
	if err != nil {
		s.logger.Warn("model detail lookup failed", slog.String("model", name), slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "failed to reach the generation server")
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Delete(r.Context(), name); err != nil {
		s.logger.Warn("model delete failed", slog.String("model", name), slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "failed to reach the generation server")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"message":   fmt.Sprintf("Deleted model %s", name),
		"timestamp": time.Now().UTC(),
	})
}

// handlePullModel relays the upstream download progress as server-sent
// events, one data frame per progress record.
func (s *Server) handlePullModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "Model name is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	wroteHeader := false
	emit := func(record map[string]any) error {
		if !wroteHeader {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			wroteHeader = true
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.registry.Pull(r.Context(), body.Name, emit); err != nil {
		if wroteHeader {
			s.logger.Warn("model pull aborted", slog.String("model", body.Name), slog.String("error", err.Error()))
			return
		}
		s.logger.Warn("model pull failed", slog.String("model", body.Name), slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "failed to reach the generation server")
	}
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID int64  `json:"session_id"`
		Prompt    string `json:"prompt"`
		Model     string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	generated, err := s.titles.Generate(r.Context(), body.SessionID, body.Prompt, body.Model)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to generate title")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": body.SessionID,
		"title":      generated,
	})
}

// handleVersion proxies the upstream version endpoint.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	baseURL, err := s.store.UpstreamBaseURL(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	url := strings.TrimRight(baseURL, "/") + "/api/version"
	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "failed to reach the generation server")
		return
	}
	defer resp.Body.Close()
	var decoded struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		s.writeError(w, http.StatusBadGateway, "malformed upstream response")
		return
	}
	s.writeJSON(w, http.StatusOK, decoded)
}
