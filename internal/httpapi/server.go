package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/models"
	"github.com/loqalabs/loqa-chat/internal/store"
	"github.com/loqalabs/loqa-chat/internal/title"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Server bundles the REST and SSE surface over the chat pipeline.
type Server struct {
	store    *store.Store
	streamer *chat.Streamer
	titles   *title.Service
	registry *models.Registry
	client   *http.Client
	logger   *slog.Logger
	cors     []string
	tracer   trace.Tracer
}

func New(cfg config.HTTPConfig, st *store.Store, streamer *chat.Streamer, titles *title.Service, registry *models.Registry, client *http.Client, logger *slog.Logger) *Server {
	if client == nil {
		client = http.DefaultClient
	}
	return &Server{
		store:    st,
		streamer: streamer,
		titles:   titles,
		registry: registry,
		client:   client,
		logger:   logger.With(slog.String("component", "httpapi")),
		cors:     cfg.CORSOrigins,
		tracer:   otel.Tracer("loqa-chat/httpapi"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleAddMessage)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages/{messageID}", s.handleDeleteMessage)
	mux.HandleFunc("POST /api/sessions/{id}/messages/{messageID}/pin", s.handlePinMessage)
	mux.HandleFunc("POST /api/sessions/{id}/messages/{messageID}/regenerate", s.handleRegenerateInfo)
	mux.HandleFunc("GET /api/sessions/{id}/metrics", s.handleSessionMetrics)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)
	mux.HandleFunc("DELETE /api/config", s.handleResetConfig)

	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("POST /api/models/refresh", s.handleRefreshModels)
	mux.HandleFunc("POST /api/models/pull", s.handlePullModel)
	mux.HandleFunc("GET /api/models/{name}", s.handleShowModel)
	mux.HandleFunc("DELETE /api/models/{name}", s.handleDeleteModel)

	mux.HandleFunc("POST /api/title", s.handleGenerateTitle)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cors {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
