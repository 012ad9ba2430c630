package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Ollama      OllamaConfig    `yaml:"ollama"`
	Models      ModelsConfig    `yaml:"models"`
	Title       TitleConfig     `yaml:"title"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// OllamaConfig carries the upstream endpoint plus the generation
// defaults seeded into the persisted app config on first run.
type OllamaConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	TimeoutSeconds float64  `yaml:"timeout_seconds"`
	DefaultModel   string   `yaml:"default_model"`
	Temperature    float64  `yaml:"temperature"`
	TopP           float64  `yaml:"top_p"`
	TopK           *int     `yaml:"top_k"`
	RepeatPenalty  *float64 `yaml:"repeat_penalty"`
	ContextWindow  *int     `yaml:"context_window"`
	MaxTokens      *int     `yaml:"max_tokens"`
	Stop           []string `yaml:"stop"`
}

type ModelsConfig struct {
	Enabled          bool `yaml:"enabled"`
	RefreshIntervalS int  `yaml:"refresh_interval_s"`
}

type TitleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-chat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:5173"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/loqa-chat.db",
		},
		Ollama: OllamaConfig{
			Endpoint:       "http://127.0.0.1:11434",
			TimeoutSeconds: 15,
			DefaultModel:   "llama3",
			Temperature:    0.7,
			TopP:           0.9,
		},
		Models: ModelsConfig{
			Enabled:          true,
			RefreshIntervalS: 60,
		},
		Title: TitleConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_CHAT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CHAT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_CHAT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CHAT_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "LOQA_CHAT_HTTP_CORS_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CHAT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CHAT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CHAT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_CHAT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_CHAT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CHAT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_CHAT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CHAT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CHAT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CHAT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CHAT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CHAT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CHAT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_CHAT_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_CHAT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Ollama.Endpoint, "LOQA_CHAT_OLLAMA_ENDPOINT")
	overrideFloat(&cfg.Ollama.TimeoutSeconds, "LOQA_CHAT_OLLAMA_TIMEOUT_SECONDS")
	overrideString(&cfg.Ollama.DefaultModel, "LOQA_CHAT_OLLAMA_DEFAULT_MODEL")
	overrideFloat(&cfg.Ollama.Temperature, "LOQA_CHAT_OLLAMA_TEMPERATURE")
	overrideFloat(&cfg.Ollama.TopP, "LOQA_CHAT_OLLAMA_TOP_P")
	overrideBool(&cfg.Models.Enabled, "LOQA_CHAT_MODELS_ENABLED")
	overrideInt(&cfg.Models.RefreshIntervalS, "LOQA_CHAT_MODELS_REFRESH_INTERVAL_S")
	overrideBool(&cfg.Title.Enabled, "LOQA_CHAT_TITLE_ENABLED")
	overrideString(&cfg.Title.Model, "LOQA_CHAT_TITLE_MODEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Ollama.Endpoint == "" {
		return errors.New("ollama.endpoint must not be empty")
	}
	if cfg.Ollama.TimeoutSeconds <= 0 {
		return errors.New("ollama.timeout_seconds must be positive")
	}
	if cfg.Ollama.DefaultModel == "" {
		return errors.New("ollama.default_model must not be empty")
	}
	if cfg.Ollama.Temperature < 0 || cfg.Ollama.Temperature > 2 {
		return errors.New("ollama.temperature must be between 0 and 2")
	}
	if cfg.Ollama.TopP < 0 || cfg.Ollama.TopP > 1 {
		return errors.New("ollama.top_p must be between 0 and 1")
	}
	if cfg.Ollama.TopK != nil && *cfg.Ollama.TopK < 1 {
		return errors.New("ollama.top_k must be >= 1")
	}
	if cfg.Ollama.RepeatPenalty != nil && *cfg.Ollama.RepeatPenalty < 0 {
		return errors.New("ollama.repeat_penalty must be >= 0")
	}
	if cfg.Ollama.ContextWindow != nil && *cfg.Ollama.ContextWindow < 1 {
		return errors.New("ollama.context_window must be >= 1")
	}
	if cfg.Ollama.MaxTokens != nil && *cfg.Ollama.MaxTokens < 1 {
		return errors.New("ollama.max_tokens must be >= 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Models.Enabled && cfg.Models.RefreshIntervalS <= 0 {
		return errors.New("models.refresh_interval_s must be positive")
	}
	return nil
}
