package config

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		Provider: ProviderConfig{
			Identity:          "primary",
			StatusTimeoutSecs: 5,
		},
		Primary: PrimaryConfig{
			Vendor: "openai",
			GenerationConfig: GenerationConfig{
				Model:       "gpt-3.5-turbo",
				MaxTokens:   1000,
				Temperature: 0.7,
				TimeoutSecs: 30,
			},
		},
		SelfHosted: SelfHostedConfig{
			BaseURL:      "http://localhost:11434",
			ProbeRetries: 2,
			GenerationConfig: GenerationConfig{
				Model:       "llama2",
				MaxTokens:   1000,
				Temperature: 0.7,
				TimeoutSecs: 60,
			},
		},
		Local: LocalConfig{
			BinaryPath:      "llama-server",
			Port:            8089,
			ContextSize:     2048,
			StartupWaitSecs: 60,
			GenerationConfig: GenerationConfig{
				MaxTokens:   100,
				Temperature: 0.7,
				TimeoutSecs: 120,
			},
		},
		Mock: MockConfig{
			WordDelayMillis: 30,
		},
		Relay: RelayConfig{
			PingIntervalSecs: 50,
			PongWaitSecs:     60,
			WriteWaitSecs:    10,
			SendBuffer:       64,
			MaxMessageBytes:  64 * 1024,
		},
		Channels: ChannelsConfig{},
		Incidents: IncidentConfig{
			Enabled: true,
		},
	}
}
