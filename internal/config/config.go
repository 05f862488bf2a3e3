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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	STT         STTConfig         `yaml:"stt"`
	LLM         LLMConfig         `yaml:"llm"`
	TTS         TTSConfig         `yaml:"tts"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Sessions    SessionsConfig    `yaml:"sessions"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec, openai, gemini
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"` // OpenAI-compatible endpoints (Groq, vLLM)
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SystemPrompt  string  `yaml:"system_prompt"`
}

type TTSConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Mode            string  `yaml:"mode"` // mock, exec
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Rate            float64 `yaml:"rate"`
	Pitch           float64 `yaml:"pitch"`
	Volume          float64 `yaml:"volume"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
}

// CoordinatorConfig configures the turn-taking state machine of every session.
type CoordinatorConfig struct {
	SilenceDelayMS  int    `yaml:"silence_delay_ms"`
	Mode            string `yaml:"mode"` // continuous, single_shot
	BargeIn         bool   `yaml:"barge_in"`
	BargeInMinWords int    `yaml:"barge_in_min_words"`
	HistoryLimit    int    `yaml:"history_limit"`
	Locale          string `yaml:"locale"`
	FallbackMessage string `yaml:"fallback_message"`
	ReplyTimeoutMS  int    `yaml:"reply_timeout_ms"`
	// TextOnly shows replies without speaking them.
	TextOnly bool `yaml:"text_only"`
}

// SessionsConfig configures the session host.
type SessionsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Transport selects where capabilities run: "bus" uses the STT/LLM/TTS
	// workers over NATS, "local" calls the backends in-process.
	Transport    string `yaml:"transport"`
	MaxSessions  int    `yaml:"max_sessions"`
	PrivacyScope string `yaml:"privacy_scope"`
	Target       string `yaml:"target"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-assistant",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 30000,
		},
		Node: NodeConfig{
			ID:                "assistant-node-1",
			Role:              "assistant",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/assistant-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "pt-BR",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
		},
		LLM: LLMConfig{
			Enabled:       false,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     256,
			Temperature:   0.7,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			Voice:           "pt-BR",
			Rate:            0.9,
			Pitch:           1.0,
			Volume:          1.0,
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Coordinator: CoordinatorConfig{
			SilenceDelayMS:  1500,
			Mode:            "continuous",
			BargeIn:         true,
			BargeInMinWords: 2,
			HistoryLimit:    50,
			Locale:          "pt-BR",
			ReplyTimeoutMS:  30000,
		},
		Sessions: SessionsConfig{
			Enabled:      true,
			Transport:    "local",
			MaxSessions:  64,
			PrivacyScope: "session",
			Target:       "default",
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
	overrideString(&cfg.RuntimeName, "ASSISTANT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ASSISTANT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ASSISTANT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ASSISTANT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ASSISTANT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ASSISTANT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ASSISTANT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ASSISTANT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "ASSISTANT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ASSISTANT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ASSISTANT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ASSISTANT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ASSISTANT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ASSISTANT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ASSISTANT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ASSISTANT_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "ASSISTANT_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "ASSISTANT_NODE_ID")
	overrideString(&cfg.Node.Role, "ASSISTANT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "ASSISTANT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "ASSISTANT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ASSISTANT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ASSISTANT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ASSISTANT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ASSISTANT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ASSISTANT_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "ASSISTANT_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "ASSISTANT_STT_MODE")
	overrideString(&cfg.STT.Command, "ASSISTANT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "ASSISTANT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "ASSISTANT_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "ASSISTANT_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "ASSISTANT_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "ASSISTANT_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "ASSISTANT_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "ASSISTANT_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.LLM.Enabled, "ASSISTANT_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "ASSISTANT_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "ASSISTANT_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "ASSISTANT_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "ASSISTANT_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "ASSISTANT_LLM_BASE_URL")
	overrideString(&cfg.LLM.ModelFast, "ASSISTANT_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "ASSISTANT_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "ASSISTANT_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "ASSISTANT_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "ASSISTANT_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.SystemPrompt, "ASSISTANT_LLM_SYSTEM_PROMPT")
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Mode {
		case "openai":
			overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
		case "gemini":
			overrideString(&cfg.LLM.APIKey, "GEMINI_API_KEY")
		}
	}
	overrideBool(&cfg.TTS.Enabled, "ASSISTANT_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "ASSISTANT_TTS_MODE")
	overrideString(&cfg.TTS.Command, "ASSISTANT_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "ASSISTANT_TTS_VOICE")
	overrideFloat(&cfg.TTS.Rate, "ASSISTANT_TTS_RATE")
	overrideFloat(&cfg.TTS.Pitch, "ASSISTANT_TTS_PITCH")
	overrideFloat(&cfg.TTS.Volume, "ASSISTANT_TTS_VOLUME")
	overrideInt(&cfg.TTS.SampleRate, "ASSISTANT_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "ASSISTANT_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "ASSISTANT_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.Coordinator.SilenceDelayMS, "ASSISTANT_COORDINATOR_SILENCE_DELAY_MS")
	overrideString(&cfg.Coordinator.Mode, "ASSISTANT_COORDINATOR_MODE")
	overrideBool(&cfg.Coordinator.BargeIn, "ASSISTANT_COORDINATOR_BARGE_IN")
	overrideInt(&cfg.Coordinator.BargeInMinWords, "ASSISTANT_COORDINATOR_BARGE_IN_MIN_WORDS")
	overrideInt(&cfg.Coordinator.HistoryLimit, "ASSISTANT_COORDINATOR_HISTORY_LIMIT")
	overrideString(&cfg.Coordinator.Locale, "ASSISTANT_COORDINATOR_LOCALE")
	overrideString(&cfg.Coordinator.FallbackMessage, "ASSISTANT_COORDINATOR_FALLBACK_MESSAGE")
	overrideInt(&cfg.Coordinator.ReplyTimeoutMS, "ASSISTANT_COORDINATOR_REPLY_TIMEOUT_MS")
	overrideBool(&cfg.Coordinator.TextOnly, "ASSISTANT_COORDINATOR_TEXT_ONLY")
	overrideBool(&cfg.Sessions.Enabled, "ASSISTANT_SESSIONS_ENABLED")
	overrideString(&cfg.Sessions.Transport, "ASSISTANT_SESSIONS_TRANSPORT")
	overrideInt(&cfg.Sessions.MaxSessions, "ASSISTANT_SESSIONS_MAX_SESSIONS")
	overrideString(&cfg.Sessions.PrivacyScope, "ASSISTANT_SESSIONS_PRIVACY_SCOPE")
	overrideString(&cfg.Sessions.Target, "ASSISTANT_SESSIONS_TARGET")
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

// Validate checks a configuration built without Load.
func Validate(cfg Config) error { return validate(cfg) }

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		// -1 picks a random port.
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.RequestTimeout < 0 {
		return errors.New("bus.request_timeout_ms must be >= 0")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai", "gemini":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai|gemini")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if (cfg.LLM.Mode == "openai" || cfg.LLM.Mode == "gemini") && cfg.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.Rate < 0 || cfg.TTS.Pitch < 0 || cfg.TTS.Volume < 0 || cfg.TTS.Volume > 1 {
			return errors.New("tts.rate and tts.pitch must be >= 0 and tts.volume within [0,1]")
		}
	}
	switch cfg.Coordinator.Mode {
	case "continuous", "single_shot":
	default:
		return errors.New("coordinator.mode must be one of continuous|single_shot")
	}
	if cfg.Coordinator.SilenceDelayMS <= 0 {
		return errors.New("coordinator.silence_delay_ms must be positive")
	}
	if cfg.Coordinator.HistoryLimit < 0 {
		return errors.New("coordinator.history_limit must be >= 0")
	}
	if cfg.Coordinator.ReplyTimeoutMS < 0 {
		return errors.New("coordinator.reply_timeout_ms must be >= 0")
	}
	if cfg.Sessions.Enabled {
		switch cfg.Sessions.Transport {
		case "local", "bus":
		default:
			return errors.New("sessions.transport must be one of local|bus")
		}
		if cfg.Sessions.MaxSessions <= 0 {
			return errors.New("sessions.max_sessions must be >= 1")
		}
		if cfg.Sessions.PrivacyScope == "" {
			return errors.New("sessions.privacy_scope must not be empty")
		}
	}
	return nil
}
