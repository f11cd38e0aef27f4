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
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb"`
	LogMaxFiles  int    `yaml:"log_max_files"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	TraceStdout  bool    `yaml:"trace_stdout"`
	SampleRatio  float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Discord     DiscordConfig    `yaml:"discord"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Dictionary  DictionaryConfig `yaml:"dictionary"`
	Store       StoreConfig      `yaml:"store"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Relay       RelayConfig      `yaml:"relay"`
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
}

type DiscordConfig struct {
	Token            string `yaml:"token"`
	ApplicationID    string `yaml:"application_id"`
	CommandGuildID   string `yaml:"command_guild_id"`
	RegisterCommands bool   `yaml:"register_commands"`
}

type SynthesisConfig struct {
	Mode               string  `yaml:"mode"`
	Endpoint           string  `yaml:"endpoint"`
	TimeoutMS          int     `yaml:"timeout_ms"`
	DefaultSpeaker     int     `yaml:"default_speaker"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	Retries            int     `yaml:"retries"`
	ProbeIntervalMS    int     `yaml:"probe_interval_ms"`
	OutputSamplingRate int     `yaml:"output_sampling_rate"`
	OutputStereo       bool    `yaml:"output_stereo"`
}

type DictionaryConfig struct {
	RefreshIntervalMS int `yaml:"refresh_interval_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PlaybackConfig struct {
	Lookahead        int    `yaml:"lookahead"`
	FrameMS          int    `yaml:"frame_ms"`
	TranscodeCommand string `yaml:"transcode_command"`
	SendTimeoutMS    int    `yaml:"send_timeout_ms"`
}

type RelayConfig struct {
	MaxTextLength         int    `yaml:"max_text_length"`
	MuteMarker            string `yaml:"mute_marker"`
	AttachmentText        string `yaml:"attachment_text"`
	NotifyConnected       string `yaml:"notify_connected"`
	NotifyAutoConnected   string `yaml:"notify_auto_connected"`
	NotifyMoved           string `yaml:"notify_moved"`
	NotifyJoin            string `yaml:"notify_join"`
	NotifyLeave           string `yaml:"notify_leave"`
	AllowRebindAutoJoined bool   `yaml:"allow_rebind_auto_joined"`
	RequireHumanListener  bool   `yaml:"require_human_listener"`
	ReconcileIntervalMS   int    `yaml:"reconcile_interval_ms"`
	WordsPageSize         int    `yaml:"words_page_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogMaxSizeMB: 50,
			LogMaxFiles:  5,
			OTLPInsecure: true,
			SampleRatio:  1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Discord: DiscordConfig{
			RegisterCommands: true,
		},
		Synthesis: SynthesisConfig{
			Mode:               "http",
			Endpoint:           "http://127.0.0.1:10101",
			TimeoutMS:          30000,
			DefaultSpeaker:     888753760,
			RequestsPerSecond:  10,
			Retries:            2,
			ProbeIntervalMS:    5000,
			OutputSamplingRate: 48000,
			OutputStereo:       true,
		},
		Dictionary: DictionaryConfig{
			RefreshIntervalMS: 5 * 60 * 1000,
		},
		Store: StoreConfig{
			Path: "./data/relay.db",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/relay-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Playback: PlaybackConfig{
			Lookahead:     1,
			FrameMS:       20,
			SendTimeoutMS: 5000,
		},
		Relay: RelayConfig{
			MaxTextLength:         200,
			MuteMarker:            "(音量0)",
			AttachmentText:        "添付ファイル",
			NotifyConnected:       "接続しました。",
			NotifyAutoConnected:   "自動接続しました。",
			NotifyMoved:           "移動しました。",
			NotifyJoin:            "{name} さんが入室しました。",
			NotifyLeave:           "{name} さんが退室しました。",
			AllowRebindAutoJoined: true,
			RequireHumanListener:  true,
			ReconcileIntervalMS:   60000,
			WordsPageSize:         10,
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
	overrideString(&cfg.RuntimeName, "RELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "RELAY_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "RELAY_TELEMETRY_TRACE_STDOUT")
	overrideFloat(&cfg.Telemetry.SampleRatio, "RELAY_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "RELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RELAY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "RELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Discord.Token, "RELAY_DISCORD_TOKEN")
	overrideString(&cfg.Discord.ApplicationID, "RELAY_DISCORD_APPLICATION_ID")
	overrideString(&cfg.Discord.CommandGuildID, "RELAY_DISCORD_COMMAND_GUILD_ID")
	overrideBool(&cfg.Discord.RegisterCommands, "RELAY_DISCORD_REGISTER_COMMANDS")
	overrideString(&cfg.Synthesis.Mode, "RELAY_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "RELAY_SYNTHESIS_ENDPOINT")
	overrideInt(&cfg.Synthesis.TimeoutMS, "RELAY_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.DefaultSpeaker, "RELAY_SYNTHESIS_DEFAULT_SPEAKER")
	overrideFloat(&cfg.Synthesis.RequestsPerSecond, "RELAY_SYNTHESIS_REQUESTS_PER_SECOND")
	overrideInt(&cfg.Synthesis.Retries, "RELAY_SYNTHESIS_RETRIES")
	overrideInt(&cfg.Synthesis.ProbeIntervalMS, "RELAY_SYNTHESIS_PROBE_INTERVAL_MS")
	overrideInt(&cfg.Synthesis.OutputSamplingRate, "RELAY_SYNTHESIS_OUTPUT_SAMPLING_RATE")
	overrideBool(&cfg.Synthesis.OutputStereo, "RELAY_SYNTHESIS_OUTPUT_STEREO")
	overrideInt(&cfg.Dictionary.RefreshIntervalMS, "RELAY_DICTIONARY_REFRESH_INTERVAL_MS")
	overrideString(&cfg.Store.Path, "RELAY_STORE_PATH")
	overrideString(&cfg.EventStore.Path, "RELAY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RELAY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RELAY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "RELAY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RELAY_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Playback.Lookahead, "RELAY_PLAYBACK_LOOKAHEAD")
	overrideInt(&cfg.Playback.FrameMS, "RELAY_PLAYBACK_FRAME_MS")
	overrideString(&cfg.Playback.TranscodeCommand, "RELAY_PLAYBACK_TRANSCODE_COMMAND")
	overrideInt(&cfg.Playback.SendTimeoutMS, "RELAY_PLAYBACK_SEND_TIMEOUT_MS")
	overrideInt(&cfg.Relay.MaxTextLength, "RELAY_MAX_TEXT_LENGTH")
	overrideString(&cfg.Relay.MuteMarker, "RELAY_MUTE_MARKER")
	overrideString(&cfg.Relay.AttachmentText, "RELAY_ATTACHMENT_TEXT")
	overrideBool(&cfg.Relay.AllowRebindAutoJoined, "RELAY_ALLOW_REBIND_AUTO_JOINED")
	overrideBool(&cfg.Relay.RequireHumanListener, "RELAY_REQUIRE_HUMAN_LISTENER")
	overrideInt(&cfg.Relay.ReconcileIntervalMS, "RELAY_RECONCILE_INTERVAL_MS")
	overrideInt(&cfg.Relay.WordsPageSize, "RELAY_WORDS_PAGE_SIZE")
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
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Synthesis.Mode {
	case "http", "mock":
	default:
		return errors.New("synthesis.mode must be one of http|mock")
	}
	if cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must not be empty")
	}
	if cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if cfg.Synthesis.RequestsPerSecond < 0 {
		return errors.New("synthesis.requests_per_second must be >= 0")
	}
	if cfg.Synthesis.Retries < 0 {
		return errors.New("synthesis.retries must be >= 0")
	}
	if cfg.Synthesis.OutputSamplingRate <= 0 {
		return errors.New("synthesis.output_sampling_rate must be positive")
	}
	if cfg.Dictionary.RefreshIntervalMS <= 0 {
		return errors.New("dictionary.refresh_interval_ms must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
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
	if cfg.Playback.Lookahead < 0 {
		return errors.New("playback.lookahead must be >= 0")
	}
	switch cfg.Playback.FrameMS {
	case 10, 20, 40, 60:
	default:
		return errors.New("playback.frame_ms must be one of 10|20|40|60")
	}
	if cfg.Relay.MaxTextLength <= 0 {
		return errors.New("relay.max_text_length must be positive")
	}
	if cfg.Relay.WordsPageSize <= 0 {
		return errors.New("relay.words_page_size must be positive")
	}
	return nil
}
