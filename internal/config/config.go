package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for EvoRelay.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Server    ServerConfig              `json:"server"`
	Debounce  DebounceConfig            `json:"debounce"`
	Pipeline  PipelineConfig            `json:"pipeline"`
	Providers map[string]ProviderConfig `json:"providers"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Store     StoreConfig               `json:"store"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"` // optional log file path
	DefaultProvider string `json:"defaultProvider"`   // completion/embedding backend
}

// ServerConfig configures the webhook ingress listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DebounceConfig governs the coalescing buffer.
type DebounceConfig struct {
	WindowSeconds  int  `json:"windowSeconds"`  // quiet window after the last fragment
	Dedup          bool `json:"dedup"`          // drop retransmissions of the same message id
	SeenTTLSeconds int  `json:"seenTtlSeconds"` // how long fired message ids stay ignored
}

// PipelineConfig governs the turn processor.
type PipelineConfig struct {
	HistoryTurns       int `json:"historyTurns"`       // turns of history in the prompt window
	TopK               int `json:"topK"`               // knowledge entries injected as context
	MaxConcurrentTurns int `json:"maxConcurrentTurns"` // worker pool size
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
	EmbedModel   string `json:"embedModel,omitempty"`
	WhisperModel string `json:"whisperModel,omitempty"`
	VisionModel  string `json:"visionModel,omitempty"`
}

// DispatchConfig configures outbound delivery to the Evolution API.
type DispatchConfig struct {
	TimeoutSeconds int  `json:"timeoutSeconds"`
	DelayMS        int  `json:"delayMs"`      // typing-simulation delay passed to the platform
	LinkPreview    bool `json:"linkPreview"`  // let the platform render link previews
	RatePerMinute  int  `json:"ratePerMinute"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// MetricsConfig toggles the Prometheus exposition endpoint at /metrics.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.evorelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".evorelay"
	}
	return filepath.Join(home, ".evorelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = expandPath(cfg.Store.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Debounce.WindowSeconds < 1 || cfg.Debounce.WindowSeconds > 60 {
		errs = append(errs, "debounce.windowSeconds must be between 1 and 60")
	}
	if cfg.Debounce.SeenTTLSeconds < cfg.Debounce.WindowSeconds {
		errs = append(errs, "debounce.seenTtlSeconds must be at least the quiet window")
	}
	if cfg.Pipeline.HistoryTurns < 1 || cfg.Pipeline.HistoryTurns > 50 {
		errs = append(errs, "pipeline.historyTurns must be between 1 and 50")
	}
	if cfg.Pipeline.TopK < 1 || cfg.Pipeline.TopK > 20 {
		errs = append(errs, "pipeline.topK must be between 1 and 20")
	}
	if cfg.Pipeline.MaxConcurrentTurns < 1 || cfg.Pipeline.MaxConcurrentTurns > 100 {
		errs = append(errs, "pipeline.maxConcurrentTurns must be between 1 and 100")
	}
	if cfg.Dispatch.TimeoutSeconds < 1 {
		errs = append(errs, "dispatch.timeoutSeconds must be >= 1")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" && name != "ollama" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Sanitize returns a copy safe for display: API keys are masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey != "" {
			pc.APIKey = "********"
		}
		out.Providers[name] = pc
	}
	return &out
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
