package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (e.g. WANOTE_SHEETS_SPREADSHEET_ID).
const EnvPrefix = "WANOTE_"

// Config is the root configuration for wanote.
type Config struct {
	General    GeneralConfig    `json:"general" envPrefix:"GENERAL_"`
	Server     ServerConfig     `json:"server" envPrefix:"SERVER_"`
	Storage    StorageConfig    `json:"storage" envPrefix:"STORAGE_"`
	Whitelist  WhitelistConfig  `json:"whitelist" envPrefix:"WHITELIST_"`
	CloudAPI   CloudAPIConfig   `json:"cloudApi" envPrefix:"CLOUDAPI_"`
	Bridge     BridgeConfig     `json:"bridge" envPrefix:"BRIDGE_"`
	Extraction ExtractionConfig `json:"extraction" envPrefix:"EXTRACTION_"`
	Sheets     SheetsConfig     `json:"sheets" envPrefix:"SHEETS_"`
	Reply      ReplyConfig      `json:"reply" envPrefix:"REPLY_"`
	Pipeline   PipelineConfig   `json:"pipeline" envPrefix:"PIPELINE_"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"LOG_FORMAT"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" env:"LOG_FILE"`
}

type ServerConfig struct {
	Host                string `json:"host" env:"HOST"`
	Port                int    `json:"port" env:"PORT"`
	AdminToken          string `json:"adminToken,omitempty" env:"ADMIN_TOKEN"` // empty disables auth on /api
	ReadTimeoutSeconds  int    `json:"readTimeoutSeconds" env:"READ_TIMEOUT_SECONDS"`
	WriteTimeoutSeconds int    `json:"writeTimeoutSeconds" env:"WRITE_TIMEOUT_SECONDS"`
	MaxBodyBytes        int64  `json:"maxBodyBytes" env:"MAX_BODY_BYTES"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath" env:"DB_PATH"`
}

type WhitelistConfig struct {
	// Numbers are merged into every allow-list snapshot on top of the store.
	Numbers        FlexStringList `json:"numbers,omitempty" env:"NUMBERS" envSeparator:","`
	ClientsFile    string         `json:"clientsFile,omitempty" env:"CLIENTS_FILE"`
	TriggerKeyword string         `json:"triggerKeyword" env:"TRIGGER_KEYWORD"`
	RefreshSeconds int            `json:"refreshSeconds" env:"REFRESH_SECONDS"`
	MinMatchDigits int            `json:"minMatchDigits" env:"MIN_MATCH_DIGITS"`
}

type CloudAPIConfig struct {
	Enabled       bool   `json:"enabled" env:"ENABLED"`
	AppSecret     string `json:"appSecret,omitempty" env:"APP_SECRET"`
	AccessToken   string `json:"accessToken,omitempty" env:"ACCESS_TOKEN"`
	VerifyToken   string `json:"verifyToken,omitempty" env:"VERIFY_TOKEN"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" env:"PHONE_NUMBER_ID"`
	APIBase       string `json:"apiBase" env:"API_BASE"`
	WebhookPath   string `json:"webhookPath" env:"WEBHOOK_PATH"`
}

type BridgeConfig struct {
	Enabled     bool   `json:"enabled" env:"ENABLED"`
	BaseURL     string `json:"baseUrl,omitempty" env:"BASE_URL"`
	Session     string `json:"session,omitempty" env:"SESSION"`
	Token       string `json:"token,omitempty" env:"TOKEN"`
	Secret      string `json:"secret,omitempty" env:"SECRET"` // HMAC secret for inbound webhooks
	WebhookPath string `json:"webhookPath" env:"WEBHOOK_PATH"`
}

type ExtractionConfig struct {
	Provider           string       `json:"provider" env:"PROVIDER"`       // "gemini" | "openai" | "ollama"
	Transcriber        string       `json:"transcriber" env:"TRANSCRIBER"` // "gemini" | "whisper"
	TimeoutSeconds     int          `json:"timeoutSeconds" env:"TIMEOUT_SECONDS"`
	MaxRetries         int          `json:"maxRetries" env:"MAX_RETRIES"`
	RetryBaseMillis    int          `json:"retryBaseMillis" env:"RETRY_BASE_MILLIS"`
	RateLimitPerMinute int          `json:"rateLimitPerMinute" env:"RATE_LIMIT_PER_MINUTE"`
	Gemini             GeminiConfig `json:"gemini" envPrefix:"GEMINI_"`
	OpenAI             OpenAIConfig `json:"openai" envPrefix:"OPENAI_"`
	Ollama             OllamaConfig `json:"ollama" envPrefix:"OLLAMA_"`
}

type GeminiConfig struct {
	APIKey          string `json:"apiKey,omitempty" env:"API_KEY"`
	Model           string `json:"model" env:"MODEL"`
	APIBase         string `json:"apiBase,omitempty" env:"API_BASE"`
	Project         string `json:"project,omitempty" env:"PROJECT"`   // Vertex AI when set
	Location        string `json:"location,omitempty" env:"LOCATION"` // Vertex AI region
	CredentialsFile string `json:"credentialsFile,omitempty" env:"CREDENTIALS_FILE"`
}

type OpenAIConfig struct {
	APIKey          string `json:"apiKey,omitempty" env:"API_KEY"`
	APIBase         string `json:"apiBase,omitempty" env:"API_BASE"`
	Model           string `json:"model" env:"MODEL"`
	TranscribeModel string `json:"transcribeModel" env:"TRANSCRIBE_MODEL"`
}

// OllamaConfig points structured extraction at a local model. Ollama has no
// transcription endpoint, so audio still needs gemini or whisper.
type OllamaConfig struct {
	APIBase string `json:"apiBase" env:"API_BASE"`
	Model   string `json:"model" env:"MODEL"`
}

type SheetsConfig struct {
	SpreadsheetID   string `json:"spreadsheetId,omitempty" env:"SPREADSHEET_ID"`
	Range           string `json:"range" env:"RANGE"`
	CredentialsFile string `json:"credentialsFile,omitempty" env:"CREDENTIALS_FILE"`
	APIBase         string `json:"apiBase,omitempty" env:"API_BASE"`
	TimeoutSeconds  int    `json:"timeoutSeconds" env:"TIMEOUT_SECONDS"`
	MaxRetries      int    `json:"maxRetries" env:"MAX_RETRIES"`
	RetryBaseMillis int    `json:"retryBaseMillis" env:"RETRY_BASE_MILLIS"`
	// VerifyRemote reads the sheet's id column when the local index misses.
	VerifyRemote bool `json:"verifyRemote" env:"VERIFY_REMOTE"`
}

type ReplyConfig struct {
	TimeoutSeconds   int    `json:"timeoutSeconds" env:"TIMEOUT_SECONDS"`
	ProcessingNotice bool   `json:"processingNotice" env:"PROCESSING_NOTICE"`
	ProcessingText   string `json:"processingText" env:"PROCESSING_TEXT"`
}

type PipelineConfig struct {
	DeadlineSeconds     int `json:"deadlineSeconds" env:"DEADLINE_SECONDS"`
	MaxInFlight         int `json:"maxInFlight" env:"MAX_IN_FLIGHT"`
	MaxQueued           int `json:"maxQueued" env:"MAX_QUEUED"`
	MediaTimeoutSeconds int `json:"mediaTimeoutSeconds" env:"MEDIA_TIMEOUT_SECONDS"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["5511", 5522] both become strings).
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wanote).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wanote"
	}
	return filepath.Join(home, ".wanote")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, expands ${VAR} references, applies
// WANOTE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays WANOTE_* environment variables on cfg and expands paths.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Whitelist.ClientsFile = ExpandPath(cfg.Whitelist.ClientsFile)
	cfg.Sheets.CredentialsFile = ExpandPath(cfg.Sheets.CredentialsFile)
	cfg.Extraction.Gemini.CredentialsFile = ExpandPath(cfg.Extraction.Gemini.CredentialsFile)
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// json struct tags and FlexStringList handling.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if isYAML(path) {
		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}

	if cfg.Whitelist.RefreshSeconds < 1 {
		errs = append(errs, "whitelist.refreshSeconds must be >= 1")
	}
	if cfg.Whitelist.MinMatchDigits < 4 || cfg.Whitelist.MinMatchDigits > 15 {
		errs = append(errs, "whitelist.minMatchDigits must be between 4 and 15")
	}

	if cfg.CloudAPI.Enabled && !strings.HasPrefix(cfg.CloudAPI.WebhookPath, "/") {
		errs = append(errs, "cloudApi.webhookPath must start with /")
	}
	if cfg.Bridge.Enabled && !strings.HasPrefix(cfg.Bridge.WebhookPath, "/") {
		errs = append(errs, "bridge.webhookPath must start with /")
	}
	if cfg.CloudAPI.Enabled && cfg.Bridge.Enabled && cfg.CloudAPI.WebhookPath == cfg.Bridge.WebhookPath {
		errs = append(errs, "cloudApi.webhookPath and bridge.webhookPath must differ")
	}

	switch cfg.Extraction.Provider {
	case "gemini", "openai", "ollama":
	default:
		errs = append(errs, "extraction.provider must be one of: gemini, openai, ollama")
	}
	switch cfg.Extraction.Transcriber {
	case "gemini", "whisper":
	default:
		errs = append(errs, "extraction.transcriber must be one of: gemini, whisper")
	}
	if cfg.Extraction.MaxRetries < 0 || cfg.Extraction.MaxRetries > 10 {
		errs = append(errs, "extraction.maxRetries must be between 0 and 10")
	}
	if cfg.Extraction.TimeoutSeconds < 1 {
		errs = append(errs, "extraction.timeoutSeconds must be >= 1")
	}

	if cfg.Sheets.TimeoutSeconds < 1 {
		errs = append(errs, "sheets.timeoutSeconds must be >= 1")
	}
	if cfg.Sheets.MaxRetries < 0 || cfg.Sheets.MaxRetries > 10 {
		errs = append(errs, "sheets.maxRetries must be between 0 and 10")
	}
	if cfg.Reply.TimeoutSeconds < 1 {
		errs = append(errs, "reply.timeoutSeconds must be >= 1")
	}

	if cfg.Pipeline.MaxInFlight < 1 || cfg.Pipeline.MaxInFlight > 1000 {
		errs = append(errs, "pipeline.maxInFlight must be between 1 and 1000")
	}
	if cfg.Pipeline.MaxQueued < 1 {
		errs = append(errs, "pipeline.maxQueued must be >= 1")
	}
	if cfg.Pipeline.DeadlineSeconds < cfg.Extraction.TimeoutSeconds {
		errs = append(errs, "pipeline.deadlineSeconds must be >= extraction.timeoutSeconds")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CheckRuntime reports credentials that serve needs but Validate tolerates,
// so that init and config commands work on a fresh file.
func CheckRuntime(cfg *Config) error {
	var errs []string

	if !cfg.CloudAPI.Enabled && !cfg.Bridge.Enabled {
		errs = append(errs, "at least one of cloudApi.enabled or bridge.enabled must be true")
	}
	if cfg.CloudAPI.Enabled {
		if cfg.CloudAPI.AccessToken == "" || cfg.CloudAPI.PhoneNumberID == "" {
			errs = append(errs, "cloudApi.accessToken and cloudApi.phoneNumberId are required")
		}
		if cfg.CloudAPI.VerifyToken == "" {
			errs = append(errs, "cloudApi.verifyToken is required")
		}
	}
	if cfg.Bridge.Enabled && cfg.Bridge.BaseURL == "" {
		errs = append(errs, "bridge.baseUrl is required")
	}

	switch cfg.Extraction.Provider {
	case "gemini":
		g := cfg.Extraction.Gemini
		if g.APIKey == "" && g.Project == "" {
			errs = append(errs, "extraction.gemini needs apiKey or project")
		}
	case "openai":
		if cfg.Extraction.OpenAI.APIKey == "" {
			errs = append(errs, "extraction.openai.apiKey is required")
		}
	}
	if cfg.Extraction.Transcriber == "whisper" && cfg.Extraction.OpenAI.APIKey == "" {
		errs = append(errs, "extraction.openai.apiKey is required for the whisper transcriber")
	}

	if cfg.Sheets.SpreadsheetID == "" {
		errs = append(errs, "sheets.spreadsheetId is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("missing runtime settings:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
