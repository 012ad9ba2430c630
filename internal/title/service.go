package title

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/store"
)

const promptTemplate = "You are a helpful assistant that summarizes chats.\n" +
	"Given the latest user message below, produce a short, engaging chat title.\n" +
	"It must be <= 6 words, title case, and omit punctuation.\n" +
	"Message:\n%s\n" +
	"Title:"

var (
	newlineRe = regexp.MustCompile(`[\r\n]+`)
	unsafeRe  = regexp.MustCompile(`[^A-Za-z0-9 ]+`)
)

// Service generates and persists chat titles by proxying the upstream
// model with a non-streaming request. Generation runs detached from
// the chat stream; failures are logged and never propagated.
type Service struct {
	cfg    config.TitleConfig
	store  *store.Store
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewService(cfg config.TitleConfig, st *store.Store, client *http.Client, logger *slog.Logger) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		client: client,
		logger: logger.With(slog.String("component", "title-service")),
	}
}

// Queue schedules title generation without blocking the caller. The
// task runs on its own context so a finished chat stream cannot cancel
// it mid-write.
func (s *Service) Queue(sessionID int64, promptText, model string) {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Generate(ctx, sessionID, promptText, model); err != nil {
			s.logger.Warn("background title generation failed",
				slog.Int64("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until queued generations finish. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate asks the upstream model for a title and persists it,
// falling back to a cleaned first line of the prompt when the model is
// unreachable or returns junk.
func (s *Service) Generate(ctx context.Context, sessionID int64, promptText, model string) (string, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	cfg, err := s.store.EffectiveConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if model == "" {
		model = s.cfg.Model
	}
	if model == "" {
		model = cfg.DefaultModel
	}

	generated := s.requestTitle(ctx, cfg.BaseURL, model, promptText)
	title := sanitize(generated)
	if title == "" {
		title = fallback(promptText)
	}

	if _, err := s.store.RenameSession(ctx, sessionID, title); err != nil {
		return "", fmt.Errorf("persist title: %w", err)
	}
	s.logger.Info("title generated",
		slog.Int64("session_id", sessionID),
		slog.String("title", title))
	return title, nil
}

func (s *Service) requestTitle(ctx context.Context, baseURL, model, promptText string) string {
	payload, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: fmt.Sprintf(promptTemplate, strings.TrimSpace(promptText)),
		Stream: false,
	})
	if err != nil {
		return ""
	}
	url := strings.TrimRight(baseURL, "/") + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Warn("title request failed", slog.String("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("title request rejected", slog.Int("status", resp.StatusCode))
		return ""
	}
	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		s.logger.Warn("title response malformed", slog.String("error", err.Error()))
		return ""
	}
	return decoded.Response
}

func sanitize(candidate string) string {
	candidate = strings.Trim(strings.TrimSpace(candidate), "\"'`")
	candidate = newlineRe.ReplaceAllString(candidate, " ")
	candidate = unsafeRe.ReplaceAllString(candidate, "")
	candidate = titleCase(candidate)
	if len(candidate) > 60 {
		candidate = candidate[:60]
	}
	return strings.TrimSpace(candidate)
}

func fallback(promptText string) string {
	cleaned := strings.TrimSpace(promptText)
	preview := cleaned
	if idx := strings.IndexAny(cleaned, "\r\n"); idx >= 0 {
		preview = cleaned[:idx]
	}
	if preview == "" {
		return "New Chat"
	}
	if len(preview) > 60 {
		preview = preview[:60]
	}
	trimmed := strings.TrimSpace(preview)
	if trimmed == "" {
		return "New Chat"
	}
	return titleCase(trimmed)
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
