package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-chat/internal/store"
)

type generationDefaults struct {
	Model         string   `json:"model"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	ContextWindow *int     `json:"context_window,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Stop          []string `json:"stop"`
}

type configRead struct {
	ID                 int64              `json:"id"`
	BaseURL            string             `json:"ollama_base_url"`
	GenerationDefaults generationDefaults `json:"generation_defaults"`
	Theme              string             `json:"theme"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func toConfigRead(cfg store.AppConfig) configRead {
	return configRead{
		ID:      cfg.ID,
		BaseURL: cfg.BaseURL,
		GenerationDefaults: generationDefaults{
			Model:         cfg.DefaultModel,
			Temperature:   cfg.Temperature,
			TopP:          cfg.TopP,
			TopK:          cfg.TopK,
			RepeatPenalty: cfg.RepeatPenalty,
			ContextWindow: cfg.ContextWindow,
			MaxTokens:     cfg.MaxTokens,
			Stop:          cfg.Stop,
		},
		Theme:     cfg.Theme,
		CreatedAt: cfg.CreatedAt,
		UpdatedAt: cfg.UpdatedAt,
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.EffectiveConfig(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	s.writeJSON(w, http.StatusOK, toConfigRead(cfg))
}

type configUpdateBody struct {
	BaseURL            *string `json:"ollama_base_url"`
	Theme              *string `json:"theme"`
	GenerationDefaults *struct {
		Model         *string   `json:"model"`
		Temperature   *float64  `json:"temperature"`
		TopP          *float64  `json:"top_p"`
		TopK          *int      `json:"top_k"`
		RepeatPenalty *float64  `json:"repeat_penalty"`
		ContextWindow *int      `json:"context_window"`
		MaxTokens     *int      `json:"max_tokens"`
		Stop          *[]string `json:"stop"`
	} `json:"generation_defaults"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body configUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	upd := store.ConfigUpdate{
		BaseURL: body.BaseURL,
		Theme:   body.Theme,
	}
	if defaults := body.GenerationDefaults; defaults != nil {
		upd.DefaultModel = defaults.Model
		upd.Temperature = defaults.Temperature
		upd.TopP = defaults.TopP
		upd.TopK = defaults.TopK
		upd.RepeatPenalty = defaults.RepeatPenalty
		upd.ContextWindow = defaults.ContextWindow
		upd.MaxTokens = defaults.MaxTokens
		if defaults.Stop != nil {
			stop := *defaults.Stop
			if stop == nil {
				stop = []string{}
			}
			upd.Stop = stop
		}
	}
	cfg, err := s.store.UpdateConfig(r.Context(), upd)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update config")
		return
	}
	s.writeJSON(w, http.StatusOK, toConfigRead(cfg))
}

// handleResetConfig drops the persisted row; the next read reseeds it
// from the startup defaults.
func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResetConfig(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to reset config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
