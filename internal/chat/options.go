package chat

import (
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/loqalabs/loqa-chat/internal/store"
)

// Options is the canonical resolved option set handed to the upstream
// request builder. Pointer fields are optional; Stop is never nil.
type Options struct {
	Temperature   float64
	TopP          float64
	TopK          *int
	RepeatPenalty *float64
	ContextWindow *int
	MaxTokens     *int
	Stop          []string
}

// DefaultsFrom lifts generation defaults out of the persisted config.
func DefaultsFrom(cfg store.AppConfig) Options {
	stop := cfg.Stop
	if stop == nil {
		stop = []string{}
	}
	return Options{
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		TopK:          cfg.TopK,
		RepeatPenalty: cfg.RepeatPenalty,
		ContextWindow: cfg.ContextWindow,
		MaxTokens:     cfg.MaxTokens,
		Stop:          stop,
	}
}

// ResolveOptions merges overrides over defaults field by field. An
// override wins when present; an explicit empty stop list replaces the
// default list, while an absent one falls back to it.
func ResolveOptions(defaults Options, overrides *protocol.GenerationOverrides) Options {
	resolved := defaults
	if resolved.Stop == nil {
		resolved.Stop = []string{}
	}
	if overrides == nil {
		return resolved
	}
	if overrides.Temperature != nil {
		resolved.Temperature = *overrides.Temperature
	}
	if overrides.TopP != nil {
		resolved.TopP = *overrides.TopP
	}
	if overrides.TopK != nil {
		resolved.TopK = overrides.TopK
	}
	if overrides.RepeatPenalty != nil {
		resolved.RepeatPenalty = overrides.RepeatPenalty
	}
	if overrides.ContextWindow != nil {
		resolved.ContextWindow = overrides.ContextWindow
	}
	if overrides.MaxTokens != nil {
		resolved.MaxTokens = overrides.MaxTokens
	}
	if overrides.Stop != nil {
		resolved.Stop = overrides.Stop
	}
	return resolved
}

// wireOptions is the option object sent to the upstream server.
// Optional fields are omitted entirely rather than sent as null.
type wireOptions struct {
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

func (o Options) wire() wireOptions {
	w := wireOptions{
		Temperature:   o.Temperature,
		TopP:          o.TopP,
		TopK:          o.TopK,
		RepeatPenalty: o.RepeatPenalty,
		NumCtx:        o.ContextWindow,
		NumPredict:    o.MaxTokens,
	}
	if len(o.Stop) > 0 {
		w.Stop = o.Stop
	}
	return w
}
