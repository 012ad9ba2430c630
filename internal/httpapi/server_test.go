package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/models"
	"github.com/loqalabs/loqa-chat/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	store *store.Store
	api   *httptest.Server
}

func newFixture(t *testing.T, upstream *httptest.Server) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "chat.db"),
	}, store.AppConfig{
		BaseURL:      upstream.URL,
		DefaultModel: "llama3",
		Temperature:  0.7,
		TopP:         0.9,
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	streamer := chat.NewStreamer(st, upstream.Client(), nil, newLogger())
	registry := models.NewRegistry(context.Background(), config.ModelsConfig{}, st, upstream.Client(), newLogger())
	t.Cleanup(registry.Close)
	server := New(config.HTTPConfig{CORSOrigins: []string{"http://localhost:5173"}},
		st, streamer, nil, registry, upstream.Client(), newLogger())
	api := httptest.NewServer(server.Handler())
	t.Cleanup(api.Close)
	return &fixture{store: st, api: api}
}

func ndjsonUpstream(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			io.WriteString(w, line+"\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fixture) createSession(t *testing.T, title string) int64 {
	t.Helper()
	resp, err := http.Post(f.api.URL+"/api/sessions", "application/json",
		strings.NewReader(fmt.Sprintf(`{"title":%q}`, title)))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return created.ID
}

func TestChatStreamOverSSE(t *testing.T) {
	upstream := ndjsonUpstream(t,
		`{"response":"Hi"}`,
		`{"response":" there"}`,
		`{"done":true,"prompt_eval_count":2,"eval_count":3,"eval_duration":1000000000}`,
	)
	f := newFixture(t, upstream)
	sessionID := f.createSession(t, "")

	body := fmt.Sprintf(`{"session_id":%d,"prompt":"greet me"}`, sessionID)
	resp, err := http.Post(f.api.URL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []chat.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev chat.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if len(events) < 3 {
		t.Fatalf("expected status, chunks and completion, got %d events", len(events))
	}
	if events[0].Kind != chat.KindStatus {
		t.Fatalf("first event = %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Kind != chat.KindCompletion {
		t.Fatalf("last event = %+v", last)
	}
	if last.TotalTokens == nil || *last.TotalTokens != 5 {
		t.Fatalf("total tokens = %v", last.TotalTokens)
	}
}

func TestChatEmptyPromptReturns400(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)
	sessionID := f.createSession(t, "")

	body := fmt.Sprintf(`{"session_id":%d,"prompt":"  "}`, sessionID)
	resp, err := http.Post(f.api.URL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if envelope.Message != "Prompt is required" {
		t.Fatalf("message = %q", envelope.Message)
	}
}

func TestChatUnknownSessionReturns404(t *testing.T) {
	upstream := ndjsonUpstream(t, `{"response":"x"}`, `{"done":true}`)
	f := newFixture(t, upstream)

	resp, err := http.Post(f.api.URL+"/api/chat", "application/json",
		strings.NewReader(`{"session_id":4242,"prompt":"hello"}`))
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSessionCRUDAndMessages(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)
	sessionID := f.createSession(t, "Planning")

	// Add a message directly.
	resp, err := http.Post(fmt.Sprintf("%s/api/sessions/%d/messages", f.api.URL, sessionID),
		"application/json", strings.NewReader(`{"role":"user","content":"hello"}`))
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add message status = %d", resp.StatusCode)
	}

	// List them back.
	resp, err = http.Get(fmt.Sprintf("%s/api/sessions/%d/messages", f.api.URL, sessionID))
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var page struct {
		Items []messageRead `json:"items"`
		Total int           `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	resp.Body.Close()
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Content != "hello" {
		t.Fatalf("unexpected page: %+v", page)
	}

	// Rename.
	req, _ := http.NewRequest(http.MethodPatch,
		fmt.Sprintf("%s/api/sessions/%d", f.api.URL, sessionID),
		strings.NewReader(`{"title":"Renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	var renamed sessionRead
	if err := json.NewDecoder(resp.Body).Decode(&renamed); err != nil {
		t.Fatalf("decode renamed: %v", err)
	}
	resp.Body.Close()
	if renamed.Title != "Renamed" {
		t.Fatalf("title = %q", renamed.Title)
	}

	// Delete, then the session is gone.
	req, _ = http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/sessions/%d", f.api.URL, sessionID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, err = http.Get(fmt.Sprintf("%s/api/sessions/%d/messages", f.api.URL, sessionID))
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d", resp.StatusCode)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)

	resp, err := http.Get(f.api.URL + "/api/config")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	var cfg configRead
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	resp.Body.Close()
	if cfg.GenerationDefaults.Model != "llama3" {
		t.Fatalf("model = %q", cfg.GenerationDefaults.Model)
	}

	update := `{"generation_defaults":{"model":"mistral","temperature":0.2,"stop":["END"]}}`
	req, _ := http.NewRequest(http.MethodPut, f.api.URL+"/api/config", bytes.NewReader([]byte(update)))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put config: %v", err)
	}
	var updated configRead
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	resp.Body.Close()
	if updated.GenerationDefaults.Model != "mistral" || updated.GenerationDefaults.Temperature != 0.2 {
		t.Fatalf("update lost: %+v", updated.GenerationDefaults)
	}
	if len(updated.GenerationDefaults.Stop) != 1 || updated.GenerationDefaults.Stop[0] != "END" {
		t.Fatalf("stop = %v", updated.GenerationDefaults.Stop)
	}
	// Untouched fields keep their values.
	if updated.GenerationDefaults.TopP != 0.9 {
		t.Fatalf("top_p changed: %v", updated.GenerationDefaults.TopP)
	}
}

func TestConfigResetRestoresDefaults(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)

	update := `{"generation_defaults":{"model":"mistral"}}`
	req, _ := http.NewRequest(http.MethodPut, f.api.URL+"/api/config", strings.NewReader(update))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put config: %v", err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodDelete, f.api.URL+"/api/config", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("reset config: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.api.URL + "/api/config")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	var cfg configRead
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	resp.Body.Close()
	if cfg.GenerationDefaults.Model != "llama3" {
		t.Fatalf("defaults not restored: %q", cfg.GenerationDefaults.Model)
	}
}

func TestShowModelRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/show", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"license":"MIT"}`)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream)

	resp, err := http.Get(f.api.URL + "/api/models/llama3")
	if err != nil {
		t.Fatalf("show model: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var detail map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail["license"] != "MIT" {
		t.Fatalf("detail = %+v", detail)
	}
}

func TestDeleteModelRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/delete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream)

	req, _ := http.NewRequest(http.MethodDelete, f.api.URL+"/api/models/llama3", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete model: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Name != "llama3" || body.Message != "Deleted model llama3" {
		t.Fatalf("body = %+v", body)
	}
}

func TestDeleteModelRouteUpstreamFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/delete", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream)

	req, _ := http.NewRequest(http.MethodDelete, f.api.URL+"/api/models/missing", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete model: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPullModelStreamsProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"pulling manifest"}
garbage line
{"status":"success"}
`)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream)

	resp, err := http.Post(f.api.URL+"/api/models/pull", "application/json",
		strings.NewReader(`{"name":"llama3"}`))
	if err != nil {
		t.Fatalf("pull model: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var records []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &record); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(records))
	}
	if records[0]["status"] != "pulling manifest" || records[2]["status"] != "success" {
		t.Fatalf("records = %+v", records)
	}
	if records[1]["status"] != "message" || records[1]["detail"] != "garbage line" {
		t.Fatalf("malformed line not wrapped: %+v", records[1])
	}
}

func TestPullModelRequiresName(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)

	resp, err := http.Post(f.api.URL+"/api/models/pull", "application/json",
		strings.NewReader(`{"name":"  "}`))
	if err != nil {
		t.Fatalf("pull model: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRegeneratePreview(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)
	sessionID := f.createSession(t, "chat")
	ctx := context.Background()

	if _, _, err := f.store.AddMessage(ctx, sessionID, store.NewMessage{Role: "user", Content: "the question"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	assistant, _, err := f.store.AddMessage(ctx, sessionID, store.NewMessage{Role: "assistant", Content: "weak answer", Model: "llama3"})
	if err != nil {
		t.Fatalf("seed assistant: %v", err)
	}

	resp, err := http.Post(
		fmt.Sprintf("%s/api/sessions/%d/messages/%d/regenerate", f.api.URL, sessionID, assistant.ID),
		"application/json", nil)
	if err != nil {
		t.Fatalf("regenerate preview: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var preview struct {
		Prompt             string `json:"prompt"`
		AssistantMessageID int64  `json:"assistant_message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.Prompt != "the question" || preview.AssistantMessageID != assistant.ID {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	// Preview must not delete anything.
	messages, _, err := f.store.ListMessages(ctx, sessionID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("preview mutated the session: %d messages", len(messages))
	}
}

func TestCORSPreflight(t *testing.T) {
	upstream := ndjsonUpstream(t)
	f := newFixture(t, upstream)

	req, _ := http.NewRequest(http.MethodOptions, f.api.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, f.api.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin echoed back")
	}
}
