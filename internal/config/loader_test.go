package config

import (
	"os"
	"path/filepath"
	"testing"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	loader := &Loader{
		filePath: filepath.Join(t.TempDir(), "config.json"),
		lookup:   envMap(nil),
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Provider.Identity != "primary" {
		t.Fatalf("expected primary, got %s", cfg.Provider.Identity)
	}
	if cfg.Primary.MaxTokens != 1000 {
		t.Fatalf("expected 1000, got %d", cfg.Primary.MaxTokens)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	loader := &Loader{filePath: path, lookup: envMap(nil)}

	cfg := Defaults()
	cfg.Provider.Identity = "self_hosted"
	cfg.SelfHosted.Model = "mistral"
	cfg.TLS.InsecureSkipVerify = true

	if err := loader.Save(cfg); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Provider.Identity != "self_hosted" {
		t.Fatalf("expected self_hosted, got %s", loaded.Provider.Identity)
	}
	if loaded.SelfHosted.Model != "mistral" {
		t.Fatalf("expected mistral, got %s", loaded.SelfHosted.Model)
	}
	if !loaded.TLS.InsecureSkipVerify {
		t.Fatal("expected insecure_skip_verify to be true")
	}
}

func TestEnvOverrides(t *testing.T) {
	loader := &Loader{
		filePath: filepath.Join(t.TempDir(), "config.json"),
		lookup: envMap(map[string]string{
			"AI_PROVIDER":        "Ollama",
			"OPENAI_API_KEY":     "sk-test",
			"OPENAI_MAX_TOKENS":  "256",
			"OPENAI_TEMPERATURE": "0.2",
			"DISABLE_SSL_VERIFY": "TRUE",
			"CORS_ORIGINS":       "http://a.test, http://b.test,",
			"PORT":               "9001",
			"TELEGRAM_TOKEN":     "123:abc",
		}),
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Provider.Identity != "ollama" {
		t.Fatalf("expected lowercased ollama, got %s", cfg.Provider.Identity)
	}
	if cfg.Primary.APIKey != "sk-test" {
		t.Fatalf("expected sk-test, got %s", cfg.Primary.APIKey)
	}
	if cfg.Primary.MaxTokens != 256 {
		t.Fatalf("expected 256, got %d", cfg.Primary.MaxTokens)
	}
	if cfg.Primary.Temperature != 0.2 {
		t.Fatalf("expected 0.2, got %v", cfg.Primary.Temperature)
	}
	if !cfg.TLS.InsecureSkipVerify {
		t.Fatal("expected TLS verification to be disabled")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.Server.CORSOrigins)
	}
	if cfg.Server.Port != 9001 {
		t.Fatalf("expected 9001, got %d", cfg.Server.Port)
	}
	if cfg.Channels.Telegram == nil || cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatal("expected telegram token from environment")
	}
}

func TestEnvBadNumberIgnored(t *testing.T) {
	loader := &Loader{
		filePath: filepath.Join(t.TempDir(), "config.json"),
		lookup:   envMap(map[string]string{"OPENAI_MAX_TOKENS": "lots"}),
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Primary.MaxTokens != 1000 {
		t.Fatalf("expected default 1000, got %d", cfg.Primary.MaxTokens)
	}
}
