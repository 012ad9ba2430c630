package models

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// Status summarizes upstream reachability for the inventory cache.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

// Entry describes one known model, merged from the upstream tag list
// and the running-process list.
type Entry struct {
	Name         string     `json:"name"`
	Digest       string     `json:"digest,omitempty"`
	SizeMiB      *float64   `json:"size_mib,omitempty"`
	Pulled       bool       `json:"pulled"`
	Loaded       bool       `json:"loaded"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Snapshot is a point-in-time copy of the cache. The chat pipeline
// only ever reads snapshots; refresh is the registry's own business.
type Snapshot struct {
	Entries     []Entry    `json:"entries"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Status      Status     `json:"status"`
}

// BaseURLSource yields the current upstream base URL; kept as a small
// interface so the registry follows config updates without a restart.
type BaseURLSource interface {
	UpstreamBaseURL(ctx context.Context) (string, error)
}

// Registry caches the upstream model inventory and refreshes it on a
// fixed interval.
type Registry struct {
	cfg    config.ModelsConfig
	source BaseURLSource
	client *http.Client
	logger *slog.Logger

	mu          sync.RWMutex
	entries     []Entry
	lastRefresh *time.Time
	lastError   string
	status      Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(parent context.Context, cfg config.ModelsConfig, source BaseURLSource, client *http.Client, logger *slog.Logger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(parent)
	return &Registry{
		cfg:    cfg,
		source: source,
		client: client,
		logger: logger.With(slog.String("component", "model-registry")),
		status: StatusUnknown,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start performs an initial refresh and launches the periodic loop.
func (r *Registry) Start() {
	if !r.cfg.Enabled {
		return
	}
	if err := r.Refresh(r.ctx); err != nil {
		r.logger.Warn("initial model refresh failed", slog.String("error", err.Error()))
	}
	r.wg.Add(1)
	go r.loop()
}

func (r *Registry) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.RefreshIntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(r.ctx); err != nil {
				r.logger.Warn("model refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops the refresh loop.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// Snapshot returns a copy of the current cache state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return Snapshot{
		Entries:     entries,
		LastRefresh: r.lastRefresh,
		LastError:   r.lastError,
		Status:      r.status,
	}
}

type tagPayload struct {
	Name       string  `json:"name"`
	Model      string  `json:"model"`
	Digest     string  `json:"digest"`
	Size       float64 `json:"size"`
	ModifiedAt string  `json:"modified_at"`
}

type tagsResponse struct {
	Models []tagPayload `json:"models"`
}

// Refresh queries the upstream tag and process lists and rebuilds the
// cache. Errors mark the cache degraded but keep the last good entries.
func (r *Registry) Refresh(ctx context.Context) error {
	baseURL, err := r.source.UpstreamBaseURL(ctx)
	if err != nil {
		r.markError(err)
		return fmt.Errorf("resolve base url: %w", err)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	tags, err := r.fetchModels(ctx, baseURL+"/api/tags")
	if err != nil {
		r.markError(err)
		return fmt.Errorf("fetch tags: %w", err)
	}
	processes, err := r.fetchModels(ctx, baseURL+"/api/ps")
	if err != nil {
		r.markError(err)
		return fmt.Errorf("fetch processes: %w", err)
	}

	entries := mergeEntries(tags, processes)
	now := time.Now().UTC()

	r.mu.Lock()
	r.entries = entries
	r.lastRefresh = &now
	r.lastError = ""
	r.status = StatusOK
	r.mu.Unlock()

	r.logger.Debug("model inventory refreshed", slog.Int("count", len(entries)))
	return nil
}

func (r *Registry) fetchModels(ctx context.Context, url string) ([]tagPayload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	var decoded tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Models, nil
}

func (r *Registry) markError(err error) {
	r.mu.Lock()
	r.lastError = err.Error()
	r.status = StatusError
	r.mu.Unlock()
}

// Show fetches the upstream detail record for one model.
func (r *Registry) Show(ctx context.Context, name string) (map[string]any, error) {
	baseURL, err := r.source.UpstreamBaseURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve base url: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/show", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	var detail map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("decode model detail: %w", err)
	}
	return detail, nil
}

// Delete removes a model from the upstream server and drops the local
// cache so the next refresh reflects the deletion.
func (r *Registry) Delete(ctx context.Context, name string) error {
	baseURL, err := r.source.UpstreamBaseURL(ctx)
	if err != nil {
		return fmt.Errorf("resolve base url: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimRight(baseURL, "/")+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	r.mu.Lock()
	r.entries = nil
	r.lastRefresh = nil
	r.lastError = ""
	r.status = StatusUnknown
	r.mu.Unlock()

	r.logger.Info("model deleted", slog.String("model", name))
	return nil
}

// Pull relays the upstream pull progress stream record by record.
// Lines that are not valid JSON are passed through as plain status
// messages rather than aborting the download.
func (r *Registry) Pull(ctx context.Context, name string, emit func(map[string]any) error) error {
	baseURL, err := r.source.UpstreamBaseURL(ctx)
	if err != nil {
		return fmt.Errorf("resolve base url: %w", err)
	}
	payload, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			record = map[string]any{"status": "message", "detail": line}
		}
		if err := emit(record); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func mergeEntries(tags, processes []tagPayload) []Entry {
	tagMap := make(map[string]tagPayload)
	for _, tag := range tags {
		if name := payloadName(tag); name != "" {
			tagMap[name] = tag
		}
	}
	processMap := make(map[string]tagPayload)
	for _, proc := range processes {
		if name := payloadName(proc); name != "" {
			processMap[name] = proc
		}
	}

	names := make([]string, 0, len(tagMap)+len(processMap))
	seen := make(map[string]bool)
	for name := range tagMap {
		names = append(names, name)
		seen[name] = true
	}
	for name := range processMap {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		tag, pulled := tagMap[name]
		proc, loaded := processMap[name]
		entry := Entry{Name: name, Pulled: pulled, Loaded: loaded}
		if pulled {
			entry.Digest = tag.Digest
			if tag.Size > 0 {
				size := math.Round(tag.Size/(1024*1024)*100) / 100
				entry.SizeMiB = &size
			}
			if ts, err := time.Parse(time.RFC3339Nano, tag.ModifiedAt); err == nil {
				entry.LastModified = &ts
			}
		}
		if loaded && entry.Digest == "" {
			entry.Digest = proc.Digest
		}
		entries = append(entries, entry)
	}
	return entries
}

func payloadName(p tagPayload) string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return strings.TrimSpace(p.Model)
}
