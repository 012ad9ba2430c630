package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("not found")

// Session is one persisted conversation.
type Session struct {
	ID        int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted conversation turn.
type Message struct {
	ID               int64
	SessionID        int64
	Role             string
	Content          string
	Model            string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Metrics          map[string]any
	Pinned           bool
	CreatedAt        time.Time
}

// NewMessage is the payload for AddMessage.
type NewMessage struct {
	Role             string
	Content          string
	Model            string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Metrics          map[string]any
}

// AppConfig is the single persisted configuration row: upstream base
// URL plus the generation defaults merged under per-request overrides.
type AppConfig struct {
	ID            int64
	BaseURL       string
	DefaultModel  string
	Temperature   float64
	TopP          float64
	TopK          *int
	RepeatPenalty *float64
	ContextWindow *int
	MaxTokens     *int
	Stop          []string
	Theme         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConfigUpdate carries partial updates; nil fields are left unchanged.
type ConfigUpdate struct {
	BaseURL       *string
	DefaultModel  *string
	Temperature   *float64
	TopP          *float64
	TopK          *int
	RepeatPenalty *float64
	ContextWindow *int
	MaxTokens     *int
	Stop          []string
	Theme         *string
}

// SessionMetrics aggregates token usage across a session.
type SessionMetrics struct {
	SessionID        int64
	MessageCount     int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Store wraps the SQLite-backed conversation store.
type Store struct {
	db    *sql.DB
	seed  AppConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store and its schema. seed supplies the
// defaults used when no configuration row exists yet.
func Open(ctx context.Context, cfg config.StoreConfig, seed AppConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, seed: seed, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS app_config (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    base_url TEXT NOT NULL,
    default_model TEXT NOT NULL,
    temperature REAL NOT NULL,
    top_p REAL NOT NULL,
    top_k INTEGER,
    repeat_penalty REAL,
    context_window INTEGER,
    max_tokens INTEGER,
    stop TEXT NOT NULL DEFAULT '[]',
    theme TEXT NOT NULL DEFAULT 'system',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT,
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    total_tokens INTEGER,
    metrics TEXT,
    pinned INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EffectiveConfig returns the persisted configuration, creating it from
// the seed defaults when no row exists yet.
func (s *Store) EffectiveConfig(ctx context.Context) (AppConfig, error) {
	cfg, err := s.scanConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppConfig{}, err
	}

	now := s.clock().UTC()
	seed := s.seed
	stop, err := json.Marshal(stopOrEmpty(seed.Stop))
	if err != nil {
		return AppConfig{}, err
	}
	theme := seed.Theme
	if theme == "" {
		theme = "system"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO app_config(base_url, default_model, temperature, top_p, top_k, repeat_penalty, context_window, max_tokens, stop, theme, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seed.BaseURL, seed.DefaultModel, seed.Temperature, seed.TopP,
		nullableInt(seed.TopK), nullableFloat(seed.RepeatPenalty),
		nullableInt(seed.ContextWindow), nullableInt(seed.MaxTokens),
		string(stop), theme, now, now)
	if err != nil {
		return AppConfig{}, fmt.Errorf("seed config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AppConfig{}, err
	}
	s.log.Info("seeded default config", slog.Int64("id", id))
	return s.scanConfig(ctx)
}

// UpdateConfig applies non-nil fields and returns the updated row.
// A non-nil empty Stop slice replaces the stored list with an empty one.
func (s *Store) UpdateConfig(ctx context.Context, upd ConfigUpdate) (AppConfig, error) {
	cfg, err := s.EffectiveConfig(ctx)
	if err != nil {
		return AppConfig{}, err
	}
	if upd.BaseURL != nil {
		cfg.BaseURL = *upd.BaseURL
	}
	if upd.DefaultModel != nil {
		cfg.DefaultModel = *upd.DefaultModel
	}
	if upd.Temperature != nil {
		cfg.Temperature = *upd.Temperature
	}
	if upd.TopP != nil {
		cfg.TopP = *upd.TopP
	}
	if upd.TopK != nil {
		cfg.TopK = upd.TopK
	}
	if upd.RepeatPenalty != nil {
		cfg.RepeatPenalty = upd.RepeatPenalty
	}
	if upd.ContextWindow != nil {
		cfg.ContextWindow = upd.ContextWindow
	}
	if upd.MaxTokens != nil {
		cfg.MaxTokens = upd.MaxTokens
	}
	if upd.Stop != nil {
		cfg.Stop = upd.Stop
	}
	if upd.Theme != nil {
		cfg.Theme = *upd.Theme
	}
	stop, err := json.Marshal(stopOrEmpty(cfg.Stop))
	if err != nil {
		return AppConfig{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE app_config SET base_url=?, default_model=?, temperature=?, top_p=?, top_k=?, repeat_penalty=?, context_window=?, max_tokens=?, stop=?, theme=?, updated_at=? WHERE id=?`,
		cfg.BaseURL, cfg.DefaultModel, cfg.Temperature, cfg.TopP,
		nullableInt(cfg.TopK), nullableFloat(cfg.RepeatPenalty),
		nullableInt(cfg.ContextWindow), nullableInt(cfg.MaxTokens),
		string(stop), cfg.Theme, s.clock().UTC(), cfg.ID)
	if err != nil {
		return AppConfig{}, fmt.Errorf("update config: %w", err)
	}
	return s.scanConfig(ctx)
}

func (s *Store) scanConfig(ctx context.Context) (AppConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, base_url, default_model, temperature, top_p, top_k, repeat_penalty, context_window, max_tokens, stop, theme, created_at, updated_at
		 FROM app_config ORDER BY id LIMIT 1`)
	var (
		cfg     AppConfig
		topK    sql.NullInt64
		penalty sql.NullFloat64
		numCtx  sql.NullInt64
		maxTok  sql.NullInt64
		stop    string
		created string
		updated string
	)
	if err := row.Scan(&cfg.ID, &cfg.BaseURL, &cfg.DefaultModel, &cfg.Temperature, &cfg.TopP,
		&topK, &penalty, &numCtx, &maxTok, &stop, &cfg.Theme, &created, &updated); err != nil {
		return AppConfig{}, err
	}
	cfg.TopK = intPtr(topK)
	cfg.RepeatPenalty = floatPtr(penalty)
	cfg.ContextWindow = intPtr(numCtx)
	cfg.MaxTokens = intPtr(maxTok)
	if err := json.Unmarshal([]byte(stop), &cfg.Stop); err != nil {
		cfg.Stop = nil
	}
	if cfg.Stop == nil {
		cfg.Stop = []string{}
	}
	cfg.CreatedAt = parseTime(created)
	cfg.UpdatedAt = parseTime(updated)
	return cfg, nil
}

// ResetConfig deletes the persisted configuration row. The next read
// reseeds it from the startup defaults.
func (s *Store) ResetConfig(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_config`); err != nil {
		return fmt.Errorf("reset config: %w", err)
	}
	return nil
}

// UpstreamBaseURL resolves the current generation server base URL.
func (s *Store) UpstreamBaseURL(ctx context.Context) (string, error) {
	cfg, err := s.EffectiveConfig(ctx)
	if err != nil {
		return "", err
	}
	return cfg.BaseURL, nil
}

// CreateSession inserts a session; blank titles become "New Chat".
func (s *Store) CreateSession(ctx context.Context, title string) (Session, error) {
	if title == "" {
		title = "New Chat"
	}
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(title, created_at, updated_at) VALUES(?, ?, ?)`, title, now, now)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession fetches one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ListSessions returns all sessions newest-activity first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			created string
			updated string
		)
		if err := rows.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
			return nil, err
		}
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RenameSession updates the title; blank titles are ignored.
func (s *Store) RenameSession(ctx context.Context, sessionID int64, title string) (Session, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return Session{}, err
	}
	if title != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
			title, s.clock().UTC(), sessionID); err != nil {
			return Session{}, fmt.Errorf("rename session: %w", err)
		}
	}
	return s.GetSession(ctx, sessionID)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	// messages cascade via foreign key
	return nil
}

// AddMessage appends a message and touches the session's updated_at.
func (s *Store) AddMessage(ctx context.Context, sessionID int64, payload NewMessage) (Message, Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Message{}, Session{}, err
	}

	var metrics any
	if payload.Metrics != nil {
		data, err := json.Marshal(payload.Metrics)
		if err != nil {
			return Message{}, Session{}, fmt.Errorf("encode metrics: %w", err)
		}
		metrics = string(data)
	}

	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(session_id, role, content, model, prompt_tokens, completion_tokens, total_tokens, metrics, pinned, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		sessionID, payload.Role, payload.Content, payload.Model,
		nullableInt(payload.PromptTokens), nullableInt(payload.CompletionTokens),
		nullableInt(payload.TotalTokens), metrics, now)
	if err != nil {
		return Message{}, Session{}, fmt.Errorf("add message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, Session{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return Message{}, Session{}, err
	}
	sess.UpdatedAt = now

	msg := Message{
		ID:               id,
		SessionID:        sessionID,
		Role:             payload.Role,
		Content:          payload.Content,
		Model:            payload.Model,
		PromptTokens:     payload.PromptTokens,
		CompletionTokens: payload.CompletionTokens,
		TotalTokens:      payload.TotalTokens,
		Metrics:          payload.Metrics,
		CreatedAt:        now,
	}
	return msg, sess, nil
}

// ListMessages returns a page of messages oldest-first plus the total count.
func (s *Store) ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]Message, int, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		messageSelect+` WHERE session_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// RecentMessages returns the most recent limit messages, oldest-first.
// This is the point-in-time history snapshot used for prompt assembly.
func (s *Store) RecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (`+messageSelect+` WHERE session_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// DeleteMessage removes one message from a session.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND session_id = ?`, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessagePin toggles the pinned flag and returns the message.
func (s *Store) SetMessagePin(ctx context.Context, sessionID, messageID int64, pinned bool) (Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET pinned = ? WHERE id = ? AND session_id = ?`,
		boolToInt(pinned), messageID, sessionID)
	if err != nil {
		return Message{}, fmt.Errorf("pin message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Message{}, err
	}
	if affected == 0 {
		return Message{}, ErrNotFound
	}
	return s.getMessage(ctx, sessionID, messageID)
}

// RegenerationSource finds the assistant message and the user message
// that originally prompted it, without mutating anything.
func (s *Store) RegenerationSource(ctx context.Context, sessionID, messageID int64) (Message, Message, error) {
	assistant, err := s.getMessage(ctx, sessionID, messageID)
	if err != nil {
		return Message{}, Message{}, err
	}
	if assistant.Role != "assistant" {
		return Message{}, Message{}, fmt.Errorf("message %d is not an assistant message", messageID)
	}

	rows, err := s.db.QueryContext(ctx,
		messageSelect+` WHERE session_id = ? AND role = 'user' AND id < ? ORDER BY id DESC LIMIT 1`,
		sessionID, messageID)
	if err != nil {
		return Message{}, Message{}, err
	}
	users, err := collectMessages(rows)
	if err != nil {
		return Message{}, Message{}, err
	}
	if len(users) == 0 {
		return Message{}, Message{}, fmt.Errorf("no user message precedes assistant message %d: %w", messageID, ErrNotFound)
	}
	return assistant, users[0], nil
}

// PrepareRegeneration removes the stale assistant message and returns
// it together with the user message that originally prompted it.
func (s *Store) PrepareRegeneration(ctx context.Context, sessionID, messageID int64) (Message, Message, error) {
	assistant, user, err := s.RegenerationSource(ctx, sessionID, messageID)
	if err != nil {
		return Message{}, Message{}, err
	}
	if err := s.DeleteMessage(ctx, sessionID, messageID); err != nil {
		return Message{}, Message{}, err
	}
	return assistant, user, nil
}

// CollectMetrics sums token counters across a session's messages.
func (s *Store) CollectMetrics(ctx context.Context, sessionID int64) (SessionMetrics, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return SessionMetrics{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(prompt_tokens), 0),
		        COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0)
		 FROM messages WHERE session_id = ?`, sessionID)
	metrics := SessionMetrics{SessionID: sessionID}
	if err := row.Scan(&metrics.MessageCount, &metrics.PromptTokens, &metrics.CompletionTokens, &metrics.TotalTokens); err != nil {
		return SessionMetrics{}, err
	}
	return metrics, nil
}

// ShouldGenerateTitle reports whether a session still carries a
// placeholder title worth replacing with a generated one.
func ShouldGenerateTitle(title string) bool {
	switch strings.TrimSpace(title) {
	case "", "New Chat", "Untitled":
		return true
	}
	return false
}

const messageSelect = `SELECT id, session_id, role, content, model, prompt_tokens, completion_tokens, total_tokens, metrics, pinned, created_at FROM messages`

func (s *Store) getMessage(ctx context.Context, sessionID, messageID int64) (Message, error) {
	rows, err := s.db.QueryContext(ctx,
		messageSelect+` WHERE id = ? AND session_id = ?`, messageID, sessionID)
	if err != nil {
		return Message{}, err
	}
	messages, err := collectMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(messages) == 0 {
		return Message{}, ErrNotFound
	}
	return messages[0], nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var (
			msg     Message
			model   sql.NullString
			pTok    sql.NullInt64
			cTok    sql.NullInt64
			tTok    sql.NullInt64
			metrics sql.NullString
			pinned  int
			created string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &model,
			&pTok, &cTok, &tTok, &metrics, &pinned, &created); err != nil {
			return nil, err
		}
		msg.Model = model.String
		msg.PromptTokens = intPtr(pTok)
		msg.CompletionTokens = intPtr(cTok)
		msg.TotalTokens = intPtr(tTok)
		if metrics.Valid && metrics.String != "" {
			_ = json.Unmarshal([]byte(metrics.String), &msg.Metrics)
		}
		msg.Pinned = pinned != 0
		msg.CreatedAt = parseTime(created)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanSession(row *sql.Row) (Session, error) {
	var (
		sess    Session
		created string
		updated string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return sess, nil
}

func parseTime(value string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}

func stopOrEmpty(stop []string) []string {
	if stop == nil {
		return []string{}
	}
	return stop
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
