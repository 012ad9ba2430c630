package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/loqalabs/loqa-chat/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, baseURL string) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "chat.db"),
	}, store.AppConfig{
		BaseURL:      baseURL,
		DefaultModel: "llama3",
		Temperature:  0.7,
		TopP:         0.9,
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newSession(t *testing.T, st *store.Store) store.Session {
	t.Helper()
	session, err := st.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func collectStream(t *testing.T, s *Streamer, req protocol.ChatRequest) ([]Event, error) {
	t.Helper()
	var events []Event
	err := s.Stream(context.Background(), req, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func ndjsonHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			io.WriteString(w, line+"\n")
		}
	}
}

func assertSingleTerminal(t *testing.T, events []Event, want EventKind) Event {
	t.Helper()
	terminals := 0
	var last Event
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
			last = ev
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminals)
	}
	if !events[len(events)-1].Terminal() {
		t.Fatal("terminal event is not last")
	}
	if last.Kind != want {
		t.Fatalf("terminal kind = %s, want %s", last.Kind, want)
	}
	return last
}

func TestStreamHappyPath(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"response":"Hel"}`,
		`{"response":"lo!"}`,
		`{"done":true,"prompt_eval_count":3,"eval_count":5,"eval_duration":2000000000,"total_duration":2500000000}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "say hello",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if events[0].Kind != KindStatus || events[0].Message != "stream-started" {
		t.Fatalf("first event = %+v", events[0])
	}
	completion := assertSingleTerminal(t, events, KindCompletion)

	// Running content must grow by prefix.
	previous := ""
	for _, ev := range events {
		if ev.Kind != KindChunk {
			continue
		}
		if !strings.HasPrefix(ev.Content, previous) {
			t.Fatalf("content %q does not extend %q", ev.Content, previous)
		}
		previous = ev.Content
	}
	if previous != "Hello!" {
		t.Fatalf("final content = %q", previous)
	}

	if completion.PromptTokens == nil || *completion.PromptTokens != 3 {
		t.Fatalf("prompt tokens = %v", completion.PromptTokens)
	}
	if completion.TotalTokens == nil || *completion.TotalTokens != 8 {
		t.Fatalf("total tokens = %v", completion.TotalTokens)
	}
	if got := completion.Metrics["tokens_per_second"]; got != 2.5 {
		t.Fatalf("tokens_per_second = %v", got)
	}

	messages, _, err := st.ListMessages(context.Background(), session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d messages", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "say hello" {
		t.Fatalf("unexpected user message: %+v", messages[0])
	}
	if messages[1].Role != "assistant" || messages[1].Content != "Hello!" {
		t.Fatalf("unexpected assistant message: %+v", messages[1])
	}
	if messages[1].ID != completion.MessageID {
		t.Fatalf("completion message id %d != persisted id %d", completion.MessageID, messages[1].ID)
	}
}

func TestStreamEmptyPromptRejectedBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "   \n ",
	})
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
	if len(events) != 0 {
		t.Fatalf("no events expected, got %d", len(events))
	}
	if hits.Load() != 0 {
		t.Fatal("upstream must not be contacted")
	}

	messages, _, err := st.ListMessages(context.Background(), session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("nothing should be persisted, got %d messages", len(messages))
	}
}

func TestStreamCapabilityDowngradeRetry(t *testing.T) {
	var requests []generateRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode upstream request: %v", err)
		}
		requests = append(requests, req)
		if req.Think {
			http.Error(w, `{"error":"thinking unsupported"}`, http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"response":"plain answer"}`+"\n")
		io.WriteString(w, `{"done":true,"eval_count":2,"eval_duration":1000000000}`+"\n")
	}))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "explain",
		Think:     true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("expected 2 upstream requests, got %d", len(requests))
	}
	if !requests[0].Think || requests[1].Think {
		t.Fatalf("think flags = %v, %v", requests[0].Think, requests[1].Think)
	}

	downgraded := false
	for _, ev := range events {
		if ev.Kind == KindStatus && ev.Message == "Reasoning not supported for this model; retrying without it." {
			downgraded = true
		}
	}
	if !downgraded {
		t.Fatal("downgrade status event missing")
	}
	assertSingleTerminal(t, events, KindCompletion)
}

func TestStreamRetryOnlyOnce(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "explain",
		Think:     true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly 2 upstream attempts, got %d", hits.Load())
	}
	terminal := assertSingleTerminal(t, events, KindError)
	if terminal.Message != "Ollama request failed; check server logs" {
		t.Fatalf("error message = %q", terminal.Message)
	}
}

func TestStreamUpstreamFailureWithoutThink(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "hello",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	terminal := assertSingleTerminal(t, events, KindError)
	if terminal.Message != "Ollama request failed; check server logs" {
		t.Fatalf("error message = %q", terminal.Message)
	}

	// The user turn stays persisted even though generation failed.
	messages, _, err := st.ListMessages(context.Background(), session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Fatalf("expected only the user message, got %+v", messages)
	}
}

func TestStreamEmptyAnswerNotPersisted(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"done":true,"eval_count":0}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "hello",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	terminal := assertSingleTerminal(t, events, KindError)
	if terminal.Message != "No response received from Ollama" {
		t.Fatalf("error message = %q", terminal.Message)
	}

	messages, _, err := st.ListMessages(context.Background(), session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Fatalf("expected only the user message, got %d messages", len(messages))
	}
}

func TestStreamMalformedLineLeniency(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"response":"good "`+`}`,
		`this is not json at all`,
		`{"response":"answer"}`,
		`{"done":true}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "hello",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	completion := assertSingleTerminal(t, events, KindCompletion)
	_ = completion

	messages, _, err := st.ListMessages(context.Background(), session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if messages[1].Content != "good answer" {
		t.Fatalf("assistant content = %q", messages[1].Content)
	}
}

func TestStreamHeartbeatOnIdleBlankLines(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"response":"hi"}`,
		``,
		``,
		`{"done":true}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())
	streamer.heartbeatEvery = 0

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "hello",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	heartbeats := 0
	for _, ev := range events {
		if ev.Kind == KindHeartbeat {
			heartbeats++
			if ev.Timestamp == nil {
				t.Fatal("heartbeat without timestamp")
			}
		}
	}
	if heartbeats != 2 {
		t.Fatalf("expected 2 heartbeats, got %d", heartbeats)
	}
	assertSingleTerminal(t, events, KindCompletion)
}

func TestStreamThinkingCapturedInMetrics(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"thinking":"step one. "}`,
		`{"thinking":"step two.","response":""}`,
		`{"response":"final"}`,
		`{"done":true,"eval_count":1,"eval_duration":1000000000}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "think about it",
		Think:     true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	completion := assertSingleTerminal(t, events, KindCompletion)
	if got := completion.Metrics["thinking_text"]; got != "step one. step two." {
		t.Fatalf("thinking_text = %v", got)
	}

	sawThinkingChunk := false
	for _, ev := range events {
		if ev.Kind == KindChunk && ev.Thinking != "" {
			sawThinkingChunk = true
		}
	}
	if !sawThinkingChunk {
		t.Fatal("no chunk carried the thinking buffer")
	}
}

func TestStreamRegenerationReusesPrompt(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"response":"better answer"}`,
		`{"done":true}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	ctx := context.Background()

	if _, _, err := st.AddMessage(ctx, session.ID, store.NewMessage{Role: "user", Content: "original question", Model: "llama3"}); err != nil {
		t.Fatalf("seed user message: %v", err)
	}
	stale, _, err := st.AddMessage(ctx, session.ID, store.NewMessage{Role: "assistant", Content: "bad answer", Model: "llama3"})
	if err != nil {
		t.Fatalf("seed assistant message: %v", err)
	}

	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())
	events, err := collectStream(t, streamer, protocol.ChatRequest{
		SessionID:           session.ID,
		RegenerateMessageID: &stale.ID,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	assertSingleTerminal(t, events, KindCompletion)

	messages, _, err := st.ListMessages(ctx, session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + fresh assistant, got %d messages", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "original question" {
		t.Fatalf("user turn changed: %+v", messages[0])
	}
	if messages[1].Content != "better answer" {
		t.Fatalf("assistant turn = %q", messages[1].Content)
	}
	if messages[1].ID == stale.ID {
		t.Fatal("stale assistant message was not replaced")
	}
}

func TestStreamEmitFailureStopsStream(t *testing.T) {
	upstream := httptest.NewServer(ndjsonHandler(
		`{"response":"a"}`,
		`{"response":"b"}`,
		`{"done":true}`,
	))
	t.Cleanup(upstream.Close)

	st := newTestStore(t, upstream.URL)
	session := newSession(t, st)
	streamer := NewStreamer(st, upstream.Client(), nil, newLogger())

	sentinel := errors.New("consumer gone")
	err := streamer.Stream(context.Background(), protocol.ChatRequest{
		SessionID: session.ID,
		Prompt:    "hello",
	}, func(ev Event) error {
		if ev.Kind == KindChunk {
			return sentinel
		}
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}

	// Only the user turn is persisted when the consumer disappears.
	messages, _, err := st.ListMessages(context.Background(), session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Fatalf("unexpected persisted messages: %+v", messages)
	}
}
