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
	LogFormat    string `yaml:"log_format"`
	LogFile      string `yaml:"log_file"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
	StaticDir   string `yaml:"static_dir"`
}

type Config struct {
	ServiceName   string              `yaml:"service_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Languages     LanguagesConfig     `yaml:"languages"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	History       HistoryConfig       `yaml:"history"`
	Bus           BusConfig           `yaml:"bus"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LanguagesConfig names the catalog text fields a submission may be graded against.
type LanguagesConfig struct {
	Primary   string `yaml:"primary"`
	Secondary string `yaml:"secondary"`
}

// Supported returns the configured language codes, primary first.
func (l LanguagesConfig) Supported() []string {
	var codes []string
	for _, code := range []string{l.Primary, l.Secondary} {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

type ScoringConfig struct {
	Threshold float64 `yaml:"threshold"`
	Algorithm string  `yaml:"algorithm"` // sequence, lcs
}

type UploadsConfig struct {
	Dir string `yaml:"dir"`
}

type TranscriptionConfig struct {
	Mode          string            `yaml:"mode"` // mock, openai, exec
	TimeoutMS     int               `yaml:"timeout_ms"`
	OpenAI        OpenAIConfig      `yaml:"openai"`
	Exec          ExecConfig        `yaml:"exec"`
	PCM           PCMConfig         `yaml:"pcm"`
	MockText      string            `yaml:"mock_text"`
	LanguageHints map[string]string `yaml:"language_hints"`
}

type OpenAIConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type ExecConfig struct {
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
}

// PCMConfig describes raw PCM uploads, which are wrapped into WAV before exec transcription.
type PCMConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

type ArchiveConfig struct {
	Provider        string `yaml:"provider"` // none, local, drive
	RootFolderID    string `yaml:"root_folder_id"`
	CredentialsJSON string `yaml:"credentials_json"`
	CredentialsFile string `yaml:"credentials_file"`
	PublicLink      bool   `yaml:"public_link"`
	LocalRoot       string `yaml:"local_root"`
	LinkBaseURL     string `yaml:"link_base_url"`
	AudioCategory   string `yaml:"audio_category"`
	LogsCategory    string `yaml:"logs_category"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type LedgerConfig struct {
	Path   string `yaml:"path"`
	Mirror bool   `yaml:"mirror"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
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
	Stream         string   `yaml:"stream"`
}

func Default() Config {
	return Config{
		ServiceName: "memory-check",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8000,
			MaxUploadMB: 25,
			StaticDir:   "static",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Catalog: CatalogConfig{
			Path: "verses.json",
		},
		Languages: LanguagesConfig{
			Primary:   "kr",
			Secondary: "en",
		},
		Scoring: ScoringConfig{
			Threshold: 0.85,
			Algorithm: "sequence",
		},
		Uploads: UploadsConfig{
			Dir: "uploads",
		},
		Transcription: TranscriptionConfig{
			Mode:      "mock",
			TimeoutMS: 60000,
			OpenAI: OpenAIConfig{
				Endpoint: "https://api.openai.com/v1",
				Model:    "gpt-4o-transcribe",
			},
			PCM: PCMConfig{
				SampleRate: 16000,
				Channels:   1,
			},
			LanguageHints: map[string]string{
				"kr": "ko",
				"en": "en",
			},
		},
		Archive: ArchiveConfig{
			Provider:      "none",
			LocalRoot:     "./data/archive",
			AudioCategory: "audio",
			LogsCategory:  "logs",
			TimeoutMS:     30000,
		},
		Ledger: LedgerConfig{
			Path:   "submissions.csv",
			Mirror: true,
		},
		History: HistoryConfig{
			Path:          "./data/memcheck-history.db",
			RetentionMode: "persistent",
			RetentionDays: 0,
			MaxRecords:    50000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
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

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyLegacyEnv honours the variable names used by earlier deployments.
// MEMCHECK_* overrides are applied afterwards and take precedence.
func applyLegacyEnv(cfg *Config) {
	overrideFloat(&cfg.Scoring.Threshold, "THRESHOLD")
	overrideString(&cfg.Transcription.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Transcription.OpenAI.Model, "OPENAI_STT_MODEL")
	overrideString(&cfg.Archive.RootFolderID, "GDRIVE_FOLDER_ID")
	overrideString(&cfg.Archive.CredentialsJSON, "GDRIVE_CREDENTIALS_JSON")
	overrideBool(&cfg.Archive.PublicLink, "GDRIVE_PUBLIC_LINK")
	if _, ok := os.LookupEnv("GDRIVE_FOLDER_ID"); ok && cfg.Archive.RootFolderID != "" && cfg.Archive.Provider == "none" {
		cfg.Archive.Provider = "drive"
	}
	if _, ok := os.LookupEnv("OPENAI_API_KEY"); ok && cfg.Transcription.OpenAI.APIKey != "" && cfg.Transcription.Mode == "mock" {
		cfg.Transcription.Mode = "openai"
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "MEMCHECK_SERVICE_NAME")
	overrideString(&cfg.Environment, "MEMCHECK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MEMCHECK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MEMCHECK_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "MEMCHECK_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.HTTP.StaticDir, "MEMCHECK_HTTP_STATIC_DIR")
	overrideString(&cfg.Telemetry.LogLevel, "MEMCHECK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "MEMCHECK_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.LogFile, "MEMCHECK_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MEMCHECK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MEMCHECK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Catalog.Path, "MEMCHECK_CATALOG_PATH")
	overrideString(&cfg.Languages.Primary, "MEMCHECK_LANGUAGES_PRIMARY")
	overrideString(&cfg.Languages.Secondary, "MEMCHECK_LANGUAGES_SECONDARY")
	overrideFloat(&cfg.Scoring.Threshold, "MEMCHECK_SCORING_THRESHOLD")
	overrideString(&cfg.Scoring.Algorithm, "MEMCHECK_SCORING_ALGORITHM")
	overrideString(&cfg.Uploads.Dir, "MEMCHECK_UPLOADS_DIR")
	overrideString(&cfg.Transcription.Mode, "MEMCHECK_TRANSCRIPTION_MODE")
	overrideInt(&cfg.Transcription.TimeoutMS, "MEMCHECK_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Transcription.OpenAI.Endpoint, "MEMCHECK_TRANSCRIPTION_OPENAI_ENDPOINT")
	overrideString(&cfg.Transcription.OpenAI.APIKey, "MEMCHECK_TRANSCRIPTION_OPENAI_API_KEY")
	overrideString(&cfg.Transcription.OpenAI.Model, "MEMCHECK_TRANSCRIPTION_OPENAI_MODEL")
	overrideString(&cfg.Transcription.Exec.Command, "MEMCHECK_TRANSCRIPTION_EXEC_COMMAND")
	overrideString(&cfg.Transcription.Exec.ModelPath, "MEMCHECK_TRANSCRIPTION_EXEC_MODEL_PATH")
	overrideInt(&cfg.Transcription.PCM.SampleRate, "MEMCHECK_TRANSCRIPTION_PCM_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.PCM.Channels, "MEMCHECK_TRANSCRIPTION_PCM_CHANNELS")
	overrideString(&cfg.Transcription.MockText, "MEMCHECK_TRANSCRIPTION_MOCK_TEXT")
	overrideString(&cfg.Archive.Provider, "MEMCHECK_ARCHIVE_PROVIDER")
	overrideString(&cfg.Archive.RootFolderID, "MEMCHECK_ARCHIVE_ROOT_FOLDER_ID")
	overrideString(&cfg.Archive.CredentialsJSON, "MEMCHECK_ARCHIVE_CREDENTIALS_JSON")
	overrideString(&cfg.Archive.CredentialsFile, "MEMCHECK_ARCHIVE_CREDENTIALS_FILE")
	overrideBool(&cfg.Archive.PublicLink, "MEMCHECK_ARCHIVE_PUBLIC_LINK")
	overrideString(&cfg.Archive.LocalRoot, "MEMCHECK_ARCHIVE_LOCAL_ROOT")
	overrideString(&cfg.Archive.LinkBaseURL, "MEMCHECK_ARCHIVE_LINK_BASE_URL")
	overrideString(&cfg.Archive.AudioCategory, "MEMCHECK_ARCHIVE_AUDIO_CATEGORY")
	overrideString(&cfg.Archive.LogsCategory, "MEMCHECK_ARCHIVE_LOGS_CATEGORY")
	overrideInt(&cfg.Archive.TimeoutMS, "MEMCHECK_ARCHIVE_TIMEOUT_MS")
	overrideString(&cfg.Ledger.Path, "MEMCHECK_LEDGER_PATH")
	overrideBool(&cfg.Ledger.Mirror, "MEMCHECK_LEDGER_MIRROR")
	overrideString(&cfg.History.Path, "MEMCHECK_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "MEMCHECK_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "MEMCHECK_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "MEMCHECK_HISTORY_MAX_RECORDS")
	overrideBool(&cfg.History.VacuumOnStart, "MEMCHECK_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "MEMCHECK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MEMCHECK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MEMCHECK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MEMCHECK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "MEMCHECK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MEMCHECK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MEMCHECK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MEMCHECK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MEMCHECK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MEMCHECK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Stream, "MEMCHECK_BUS_STREAM")
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Catalog.Path == "" {
		return errors.New("catalog.path must not be empty")
	}
	if strings.TrimSpace(cfg.Languages.Primary) == "" {
		return errors.New("languages.primary must not be empty")
	}
	if cfg.Languages.Primary == cfg.Languages.Secondary {
		return errors.New("languages.secondary must differ from languages.primary")
	}
	if cfg.Scoring.Threshold < 0 || cfg.Scoring.Threshold > 1 {
		return errors.New("scoring.threshold must be between 0 and 1")
	}
	switch cfg.Scoring.Algorithm {
	case "sequence", "lcs":
	default:
		return errors.New("scoring.algorithm must be one of sequence|lcs")
	}
	if cfg.Uploads.Dir == "" {
		return errors.New("uploads.dir must not be empty")
	}
	if cfg.Transcription.TimeoutMS <= 0 {
		return errors.New("transcription.timeout_ms must be positive")
	}
	switch cfg.Transcription.Mode {
	case "mock":
	case "openai":
		if cfg.Transcription.OpenAI.Endpoint == "" {
			return errors.New("transcription.openai.endpoint must be set when mode=openai")
		}
		if cfg.Transcription.OpenAI.Model == "" {
			return errors.New("transcription.openai.model must be set when mode=openai")
		}
	case "exec":
		if cfg.Transcription.Exec.Command == "" {
			return errors.New("transcription.exec.command must be set when mode=exec")
		}
		if cfg.Transcription.PCM.SampleRate <= 0 {
			return errors.New("transcription.pcm.sample_rate must be positive")
		}
		if cfg.Transcription.PCM.Channels <= 0 {
			return errors.New("transcription.pcm.channels must be positive")
		}
	default:
		return errors.New("transcription.mode must be one of mock|openai|exec")
	}
	switch cfg.Archive.Provider {
	case "none":
	case "local":
		if cfg.Archive.LocalRoot == "" {
			return errors.New("archive.local_root must be set when provider=local")
		}
	case "drive":
		// credentials are checked on first use
	default:
		return errors.New("archive.provider must be one of none|local|drive")
	}
	if cfg.Archive.Provider != "none" {
		if cfg.Archive.AudioCategory == "" || cfg.Archive.LogsCategory == "" {
			return errors.New("archive.audio_category and archive.logs_category must not be empty")
		}
		if cfg.Archive.TimeoutMS <= 0 {
			return errors.New("archive.timeout_ms must be positive")
		}
	}
	if cfg.Ledger.Path == "" {
		return errors.New("ledger.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
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
	return nil
}
