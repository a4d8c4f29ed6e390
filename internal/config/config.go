package config

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Provider   ProviderConfig   `json:"provider"`
	Primary    PrimaryConfig    `json:"primary"`
	SelfHosted SelfHostedConfig `json:"self_hosted"`
	Local      LocalConfig      `json:"local_inference"`
	Mock       MockConfig       `json:"mock"`
	TLS        TLSConfig        `json:"tls"`
	Relay      RelayConfig      `json:"relay"`
	Channels   ChannelsConfig   `json:"channels"`
	Incidents  IncidentConfig   `json:"incidents"`
	Secrets    SecretsConfig    `json:"secrets"`
}

type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
	StaticDir   string   `json:"static_dir,omitempty"`
}

// ProviderConfig selects the active provider identity.
// Accepted values: primary, self_hosted, local_inference, mock (plus the
// aliases openai, anthropic, ollama, local, llamacpp, huggingface).
type ProviderConfig struct {
	Identity          string `json:"identity"`
	StatusTimeoutSecs int    `json:"status_timeout_secs"`
}

// GenerationConfig holds the per-call sampling parameters shared by all
// network-backed providers.
type GenerationConfig struct {
	Model        string  `json:"model"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	TimeoutSecs  int     `json:"timeout_secs"`
}

type PrimaryConfig struct {
	Vendor  string `json:"vendor"` // "openai" or "anthropic"
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	GenerationConfig
}

type SelfHostedConfig struct {
	BaseURL      string `json:"base_url"`
	ProbeRetries int    `json:"probe_retries"`
	GenerationConfig
}

type LocalConfig struct {
	BinaryPath      string   `json:"binary_path"`
	ModelPath       string   `json:"model_path"`
	Port            int      `json:"port"`
	ContextSize     int      `json:"context_size"`
	ExtraArgs       []string `json:"extra_args,omitempty"`
	StartupWaitSecs int      `json:"startup_wait_secs"`
	GenerationConfig
}

type MockConfig struct {
	WordDelayMillis int `json:"word_delay_millis"`
}

type TLSConfig struct {
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

type RelayConfig struct {
	PingIntervalSecs int `json:"ping_interval_secs"`
	PongWaitSecs     int `json:"pong_wait_secs"`
	WriteWaitSecs    int `json:"write_wait_secs"`
	SendBuffer       int `json:"send_buffer"`
	MaxMessageBytes  int `json:"max_message_bytes"`
}

type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token      string  `json:"token"`
	AllowedIDs []int64 `json:"allowed_ids,omitempty"`
}

type IncidentConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"db_path,omitempty"`
}

type SecretsConfig struct {
	VaultDir        string `json:"vault_dir,omitempty"`
	VaultPassphrase string `json:"-"`
}
