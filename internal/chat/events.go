package chat

import "time"

// EventKind discriminates the closed set of stream event variants.
type EventKind string

const (
	KindStatus     EventKind = "status"
	KindChunk      EventKind = "chunk"
	KindHeartbeat  EventKind = "heartbeat"
	KindCompletion EventKind = "completion"
	KindError      EventKind = "error"
)

// Event is one message on the downstream channel. Exactly one
// Completion or Error event closes a stream; everything else is
// informational. Consumers switch on Kind.
type Event struct {
	Kind             EventKind      `json:"event"`
	Message          string         `json:"message,omitempty"`
	Delta            string         `json:"delta,omitempty"`
	Content          string         `json:"content,omitempty"`
	Thinking         string         `json:"thinking,omitempty"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
	MessageID        int64          `json:"message_id,omitempty"`
	PromptTokens     *int           `json:"prompt_tokens,omitempty"`
	CompletionTokens *int           `json:"completion_tokens,omitempty"`
	TotalTokens      *int           `json:"total_tokens,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindCompletion || e.Kind == KindError
}

func StatusEvent(message string) Event {
	return Event{Kind: KindStatus, Message: message}
}

// ChunkEvent carries the incremental delta plus both running buffers.
func ChunkEvent(delta, content, thinking string) Event {
	return Event{Kind: KindChunk, Delta: delta, Content: content, Thinking: thinking}
}

func HeartbeatEvent(ts time.Time) Event {
	return Event{Kind: KindHeartbeat, Timestamp: &ts}
}

func CompletionEvent(messageID int64, promptTokens, completionTokens, totalTokens *int, metrics map[string]any) Event {
	return Event{
		Kind:             KindCompletion,
		MessageID:        messageID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		Metrics:          metrics,
	}
}

func ErrorEvent(message string) Event {
	return Event{Kind: KindError, Message: message}
}
