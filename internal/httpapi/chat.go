package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/loqalabs/loqa-chat/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// handleChat streams one assistant turn as server-sent events. Each
// stream event becomes one data frame; the connection closes after the
// terminal event. Caller errors are rejected with a JSON status before
// any SSE byte is written.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "chat.stream")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("chat.session_id", req.SessionID),
		attribute.String("chat.model", req.Model),
	)

	wroteHeader := false
	emit := func(event chat.Event) error {
		if !wroteHeader {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			wroteHeader = true
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.streamer.Stream(ctx, req, emit); err != nil {
		if wroteHeader {
			// Stream already open; the client is gone or the write failed.
			s.logger.Warn("chat stream aborted", slog.String("error", err.Error()))
			return
		}
		switch {
		case errors.Is(err, chat.ErrEmptyPrompt):
			s.writeError(w, http.StatusBadRequest, "Prompt is required")
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Session not found")
		default:
			s.logger.Error("chat stream failed", slog.String("error", err.Error()))
			s.writeError(w, http.StatusInternalServerError, "chat stream failed")
		}
	}
}
