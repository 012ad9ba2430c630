package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-chat/internal/prompt"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/loqalabs/loqa-chat/internal/store"
)

const (
	heartbeatInterval = 8 * time.Second
	historyLimit      = 200
)

// ErrEmptyPrompt rejects a request whose live turn is blank after
// trimming, before any upstream call is made.
var ErrEmptyPrompt = errors.New("prompt is required")

// TitleQueuer schedules background title generation without blocking.
type TitleQueuer interface {
	Queue(sessionID int64, promptText, model string)
}

// Streamer owns one end-to-end generation exchange: prompt assembly,
// the upstream NDJSON read loop, heartbeats, the single
// capability-downgrade retry, and the final transactional persist.
type Streamer struct {
	store          *store.Store
	client         *http.Client
	assembler      *prompt.Assembler
	titles         TitleQueuer
	logger         *slog.Logger
	clock          func() time.Time
	heartbeatEvery time.Duration
	historyLimit   int
}

func NewStreamer(st *store.Store, client *http.Client, titles TitleQueuer, logger *slog.Logger) *Streamer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Streamer{
		store:          st,
		client:         client,
		assembler:      prompt.NewAssembler(),
		titles:         titles,
		logger:         logger.With(slog.String("component", "chat-streamer")),
		clock:          time.Now,
		heartbeatEvery: heartbeatInterval,
		historyLimit:   historyLimit,
	}
}

// streamRecord is one parsed NDJSON line from the upstream server.
// Duration fields are nanoseconds.
type streamRecord struct {
	Response           string `json:"response"`
	Thinking           string `json:"thinking"`
	Done               bool   `json:"done"`
	PromptEvalCount    *int   `json:"prompt_eval_count"`
	EvalCount          *int   `json:"eval_count"`
	TotalTokens        *int   `json:"total_tokens"`
	EvalDuration       *int64 `json:"eval_duration"`
	LoadDuration       *int64 `json:"load_duration"`
	PromptEvalDuration *int64 `json:"prompt_eval_duration"`
	TotalDuration      *int64 `json:"total_duration"`
}

type generateRequest struct {
	Model   string      `json:"model"`
	Prompt  string      `json:"prompt"`
	Stream  bool        `json:"stream"`
	Think   bool        `json:"think,omitempty"`
	Options wireOptions `json:"options"`
}

type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

// Stream runs one generation exchange, delivering events through emit
// in order. Caller errors (blank prompt, missing session) are returned
// before any event is emitted; every fault after the stream starts is
// reported in band as a single terminal Error event. An emit failure
// means the downstream consumer is gone: the upstream connection is
// torn down and nothing is persisted.
func (s *Streamer) Stream(ctx context.Context, req protocol.ChatRequest, emit func(Event) error) error {
	cfg, err := s.store.EffectiveConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	model := req.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	options := ResolveOptions(DefaultsFrom(cfg), req.Options)
	think := req.Think

	userPrompt := strings.TrimSpace(req.Prompt)
	persistUser := req.RegenerateMessageID == nil
	if req.RegenerateMessageID != nil {
		// Drop the stale assistant turn and reuse its original prompt.
		_, preserved, err := s.store.PrepareRegeneration(ctx, req.SessionID, *req.RegenerateMessageID)
		if err != nil {
			return fmt.Errorf("prepare regeneration: %w", err)
		}
		userPrompt = strings.TrimSpace(preserved.Content)
	}
	if userPrompt == "" {
		return ErrEmptyPrompt
	}

	history, err := s.store.RecentMessages(ctx, req.SessionID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	fragments := historyFragments(history)
	var liveTurn *prompt.Fragment
	if persistUser {
		liveTurn = &prompt.Fragment{Role: prompt.RoleUser, Text: userPrompt, Origin: "live", Priority: 100}
	}
	promptText := s.assembler.Serialize(s.assembler.Build(fragments, req.SystemPrompt, liveTurn, nil))

	if persistUser {
		// Persisted before the upstream call so a later failure still
		// leaves the user's turn recorded.
		userMessage, session, err := s.store.AddMessage(ctx, req.SessionID, store.NewMessage{
			Role:    "user",
			Content: userPrompt,
			Model:   model,
		})
		if err != nil {
			return fmt.Errorf("persist user message: %w", err)
		}
		s.logger.Info("user message persisted",
			slog.Int64("session_id", req.SessionID),
			slog.Int64("message_id", userMessage.ID))
		if s.titles != nil && store.ShouldGenerateTitle(session.Title) {
			s.titles.Queue(req.SessionID, userPrompt, model)
		}
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/api/generate"
	s.logger.Info("chat stream starting",
		slog.Int64("session_id", req.SessionID),
		slog.String("model", model),
		slog.Bool("regenerate", req.RegenerateMessageID != nil))

	body := generateRequest{
		Model:   model,
		Prompt:  promptText,
		Stream:  true,
		Think:   think,
		Options: options.wire(),
	}

	var (
		answer           strings.Builder
		thinking         strings.Builder
		promptTokens     *int
		completionTokens *int
		totalTokens      *int
		metrics          map[string]any
		retried          bool
	)
	started := s.clock()
	lastEvent := started

	if err := emit(StatusEvent("stream-started")); err != nil {
		return err
	}

stream:
	for {
		respBody, err := s.openStream(ctx, url, body)
		if err != nil {
			var statusErr *upstreamStatusError
			if errors.As(err, &statusErr) && think && !retried && statusErr.status == http.StatusBadRequest {
				// Single capability-downgrade retry: disable reasoning,
				// clear both buffers, restart the clock.
				s.logger.Info("retrying without reasoning", slog.Int("status", statusErr.status))
				retried = true
				think = false
				body.Think = false
				answer.Reset()
				thinking.Reset()
				started = s.clock()
				lastEvent = started
				if err := emit(StatusEvent("Reasoning not supported for this model; retrying without it.")); err != nil {
					return err
				}
				continue
			}
			s.logger.Warn("upstream request failed", slogError(err))
			return emit(ErrorEvent("Ollama request failed; check server logs"))
		}

		scanner := bufio.NewScanner(respBody)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				respBody.Close()
				return ctx.Err()
			default:
			}
			line := bytes.TrimSpace(scanner.Bytes())
			now := s.clock()
			if len(line) == 0 {
				if now.Sub(lastEvent) >= s.heartbeatEvery {
					if err := emit(HeartbeatEvent(now.UTC())); err != nil {
						respBody.Close()
						return err
					}
					lastEvent = now
				}
				continue
			}
			record := s.parseRecord(line)
			if record.Response != "" {
				answer.WriteString(record.Response)
			}
			if record.Thinking != "" {
				thinking.WriteString(record.Thinking)
			}
			if record.Response != "" || record.Thinking != "" {
				if err := emit(ChunkEvent(record.Response, answer.String(), thinking.String())); err != nil {
					respBody.Close()
					return err
				}
				lastEvent = now
			}
			if record.Done {
				promptTokens = record.PromptEvalCount
				completionTokens = record.EvalCount
				totalTokens = record.TotalTokens
				metrics = computeMetrics(record, started, s.clock)
				break
			}
		}
		readErr := scanner.Err()
		respBody.Close()
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("upstream read failed", slogError(readErr))
			return emit(ErrorEvent("Ollama request failed; check server logs"))
		}
		break stream
	}

	answerText := strings.TrimSpace(answer.String())
	if answerText == "" {
		return emit(ErrorEvent("No response received from Ollama"))
	}
	if reasoning := strings.TrimSpace(thinking.String()); reasoning != "" {
		if metrics == nil {
			metrics = map[string]any{}
		}
		metrics["thinking_text"] = reasoning
	}
	if totalTokens == nil {
		sum := intValue(promptTokens) + intValue(completionTokens)
		if sum > 0 {
			totalTokens = &sum
		}
	}

	assistant, _, err := s.store.AddMessage(ctx, req.SessionID, store.NewMessage{
		Role:             "assistant",
		Content:          answerText,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		Metrics:          metrics,
	})
	if err != nil {
		s.logger.Error("failed to persist assistant message", slogError(err))
		return emit(ErrorEvent("Failed to persist assistant message"))
	}
	s.logger.Info("assistant message persisted",
		slog.Int64("session_id", req.SessionID),
		slog.Int64("message_id", assistant.ID))

	return emit(CompletionEvent(assistant.ID, promptTokens, completionTokens, totalTokens, metrics))
}

func (s *Streamer) openStream(ctx context.Context, url string, payload generateRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &upstreamStatusError{status: resp.StatusCode}
	}
	return resp.Body, nil
}

// parseRecord treats a malformed line as an empty record so a single
// bad line never aborts the stream.
func (s *Streamer) parseRecord(line []byte) streamRecord {
	var record streamRecord
	if err := json.Unmarshal(line, &record); err != nil {
		s.logger.Warn("malformed stream record", slogError(err))
		return streamRecord{}
	}
	return record
}

func historyFragments(messages []store.Message) []prompt.Fragment {
	fragments := make([]prompt.Fragment, 0, len(messages))
	for _, message := range messages {
		fragments = append(fragments, prompt.Fragment{
			Role:     prompt.Role(message.Role),
			Text:     message.Content,
			Origin:   fmt.Sprintf("history:%d", message.ID),
			Priority: 50,
		})
	}
	return fragments
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
