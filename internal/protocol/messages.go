package protocol

import (
	"fmt"
	"time"
)

// GenerationOverrides are per-request option overrides layered over the
// stored generation defaults. Nil fields fall back to the default; a
// non-nil empty Stop slice explicitly clears the stop list.
type GenerationOverrides struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	ContextWindow *int     `json:"context_window,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Stop          []string `json:"stop"`
}

// ChatRequest asks for one streamed assistant turn.
type ChatRequest struct {
	RequestID           string               `json:"request_id,omitempty"`
	SessionID           int64                `json:"session_id"`
	Prompt              string               `json:"prompt"`
	Model               string               `json:"model,omitempty"`
	SystemPrompt        string               `json:"system_prompt,omitempty"`
	Think               bool                 `json:"think,omitempty"`
	RegenerateMessageID *int64               `json:"regenerate_message_id,omitempty"`
	Options             *GenerationOverrides `json:"options,omitempty"`
	Timestamp           time.Time            `json:"timestamp,omitempty"`
}

const (
	SubjectChatRequest     = "chat.request"
	SubjectChatEventPrefix = "chat.event"
)

// ChatEventSubject returns the per-session event subject.
func ChatEventSubject(sessionID int64) string {
	return fmt.Sprintf("%s.%d", SubjectChatEventPrefix, sessionID)
}
