package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	configDir  = ".zbot"
	configFile = "config.json"
)

// Loader manages reading and writing the config file.
type Loader struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
	lookup   func(string) (string, bool)
}

// NewLoader creates a loader for the given file. An empty path means
// ~/.zbot/config.json.
func NewLoader(path string) (*Loader, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, configDir, configFile)
	}
	return &Loader{
		filePath: path,
		lookup:   os.LookupEnv,
	}, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files are
// not an error; variables already set in the environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[config] failed to load %s: %v", f, err)
		}
	}
}

// Load reads the config from disk and applies environment overrides.
// If the file doesn't exist, defaults are used.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := Defaults()

	data, err := os.ReadFile(l.filePath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	applyEnv(cfg, lookup)

	l.config = cfg
	return cfg, nil
}

// Save writes the config to disk.
func (l *Loader) Save(cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0700); err != nil {
		return err
	}

	l.config = cfg
	return os.WriteFile(l.filePath, data, 0600)
}

// Get returns the currently loaded config (or defaults if not loaded yet).
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config == nil {
		return Defaults()
	}
	return l.config
}

// FilePath returns the config file path.
func (l *Loader) FilePath() string {
	return l.filePath
}

// applyEnv overrides file values with the environment variables the service
// has always honored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
			return
		}
		*dst = f
	}

	str("AI_PROVIDER", &cfg.Provider.Identity)
	cfg.Provider.Identity = strings.ToLower(cfg.Provider.Identity)

	str("PRIMARY_VENDOR", &cfg.Primary.Vendor)
	if cfg.Primary.Vendor == "anthropic" {
		str("ANTHROPIC_API_KEY", &cfg.Primary.APIKey)
		str("ANTHROPIC_MODEL", &cfg.Primary.Model)
	} else {
		str("OPENAI_API_KEY", &cfg.Primary.APIKey)
		str("OPENAI_MODEL", &cfg.Primary.Model)
		str("OPENAI_BASE_URL", &cfg.Primary.BaseURL)
	}
	integer("OPENAI_MAX_TOKENS", &cfg.Primary.MaxTokens)
	float("OPENAI_TEMPERATURE", &cfg.Primary.Temperature)

	str("OLLAMA_BASE_URL", &cfg.SelfHosted.BaseURL)
	str("OLLAMA_MODEL", &cfg.SelfHosted.Model)

	str("LLAMA_SERVER_BIN", &cfg.Local.BinaryPath)
	str("LLAMA_MODEL_PATH", &cfg.Local.ModelPath)

	if v, ok := lookup("DISABLE_SSL_VERIFY"); ok {
		cfg.TLS.InsecureSkipVerify = strings.EqualFold(strings.TrimSpace(v), "true")
	}

	if v, ok := lookup("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.CORSOrigins = SplitAndTrim(v)
	}
	str("HOST", &cfg.Server.Host)
	integer("PORT", &cfg.Server.Port)

	if v, ok := lookup("TELEGRAM_TOKEN"); ok && strings.TrimSpace(v) != "" {
		if cfg.Channels.Telegram == nil {
			cfg.Channels.Telegram = &TelegramConfig{}
		}
		cfg.Channels.Telegram.Token = strings.TrimSpace(v)
	}

	str("ZBOT_INCIDENT_DB", &cfg.Incidents.DBPath)
	str("ZBOT_VAULT_PASSPHRASE", &cfg.Secrets.VaultPassphrase)
}

// SplitAndTrim splits a comma-separated list and drops empty entries.
func SplitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
