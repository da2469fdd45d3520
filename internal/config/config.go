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

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SynthesisConfig describes the remote text-to-speech service.
type SynthesisConfig struct {
	Mode      string `yaml:"mode"` // mock, http
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// CodecConfig describes the transcoding engine producing canonical audio.
type CodecConfig struct {
	Binary     string `yaml:"binary"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// AnalysisConfig describes the remote pitch and alignment services.
type AnalysisConfig struct {
	PitchEndpoint  string `yaml:"pitch_endpoint"`
	AlignEndpoint  string `yaml:"align_endpoint"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxUploadBytes int    `yaml:"max_upload_bytes"`
}

// CaptureConfig describes the live microphone recorder for the user track.
type CaptureConfig struct {
	Mode    string `yaml:"mode"` // exec
	Command string `yaml:"command"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Codec       CodecConfig     `yaml:"codec"`
	Analysis    AnalysisConfig  `yaml:"analysis"`
	Capture     CaptureConfig   `yaml:"capture"`
	Journal     JournalConfig   `yaml:"journal"`
}

func Default() Config {
	return Config{
		RuntimeName: "pron-runtime",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Synthesis: SynthesisConfig{
			Mode:      "http",
			Endpoint:  "https://api.openai.com/v1/audio/speech",
			TimeoutMS: 90000,
		},
		Codec: CodecConfig{
			Binary:     "ffmpeg",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  30000,
		},
		Analysis: AnalysisConfig{
			PitchEndpoint:  "http://localhost:8081/api/analyze_pitch",
			AlignEndpoint:  "http://localhost:8081/api/forced_alignment",
			TimeoutMS:      45000,
			MaxUploadBytes: 10 * 1024 * 1024,
		},
		Capture: CaptureConfig{
			Mode:    "exec",
			Command: "ffmpeg -f alsa -i default -ac 1 -ar 16000 -f wav -loglevel error pipe:1",
		},
		Journal: JournalConfig{
			Path:          "./data/pron-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxEntries:    1000,
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
	overrideString(&cfg.RuntimeName, "PRON_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PRON_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PRON_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PRON_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PRON_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PRON_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PRON_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PRON_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "PRON_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PRON_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PRON_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "PRON_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "PRON_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PRON_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PRON_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PRON_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PRON_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PRON_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.Mode, "PRON_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "PRON_SYNTHESIS_ENDPOINT")
	overrideInt(&cfg.Synthesis.TimeoutMS, "PRON_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Codec.Binary, "PRON_CODEC_BINARY")
	overrideInt(&cfg.Codec.SampleRate, "PRON_CODEC_SAMPLE_RATE")
	overrideInt(&cfg.Codec.Channels, "PRON_CODEC_CHANNELS")
	overrideInt(&cfg.Codec.TimeoutMS, "PRON_CODEC_TIMEOUT_MS")
	overrideString(&cfg.Analysis.PitchEndpoint, "PRON_ANALYSIS_PITCH_ENDPOINT")
	overrideString(&cfg.Analysis.AlignEndpoint, "PRON_ANALYSIS_ALIGN_ENDPOINT")
	overrideInt(&cfg.Analysis.TimeoutMS, "PRON_ANALYSIS_TIMEOUT_MS")
	overrideInt(&cfg.Analysis.MaxUploadBytes, "PRON_ANALYSIS_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Capture.Mode, "PRON_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "PRON_CAPTURE_COMMAND")
	overrideString(&cfg.Journal.Path, "PRON_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "PRON_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "PRON_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "PRON_JOURNAL_MAX_ENTRIES")
	overrideBool(&cfg.Journal.VacuumOnStart, "PRON_JOURNAL_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
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
	switch cfg.Synthesis.Mode {
	case "mock", "http":
	default:
		return errors.New("synthesis.mode must be one of mock|http")
	}
	if cfg.Synthesis.Mode == "http" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when mode=http")
	}
	if cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if cfg.Codec.Binary == "" {
		return errors.New("codec.binary must not be empty")
	}
	if cfg.Codec.SampleRate <= 0 {
		return errors.New("codec.sample_rate must be positive")
	}
	if cfg.Codec.Channels <= 0 {
		return errors.New("codec.channels must be positive")
	}
	if cfg.Codec.TimeoutMS <= 0 {
		return errors.New("codec.timeout_ms must be positive")
	}
	if cfg.Analysis.PitchEndpoint == "" {
		return errors.New("analysis.pitch_endpoint must not be empty")
	}
	if cfg.Analysis.AlignEndpoint == "" {
		return errors.New("analysis.align_endpoint must not be empty")
	}
	if cfg.Analysis.TimeoutMS <= 0 {
		return errors.New("analysis.timeout_ms must be positive")
	}
	if cfg.Analysis.MaxUploadBytes <= 0 {
		return errors.New("analysis.max_upload_bytes must be positive")
	}
	switch cfg.Capture.Mode {
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	default:
		return errors.New("capture.mode must be exec")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session")
	}
	if cfg.Journal.RetentionMode == "session" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty when retention_mode=session")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
