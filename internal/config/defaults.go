package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultProvider: "openai",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8088,
		},
		Debounce: DebounceConfig{
			WindowSeconds:  2,
			Dedup:          true,
			SeenTTLSeconds: 60,
		},
		Pipeline: PipelineConfig{
			HistoryTurns:       5,
			TopK:               3,
			MaxConcurrentTurns: 5,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o",
				EmbedModel:   "text-embedding-3-small",
				WhisperModel: "whisper-1",
				VisionModel:  "gpt-4o-mini",
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
				EmbedModel:   "nomic-embed-text",
			},
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 10,
			DelayMS:        0,
			LinkPreview:    true,
			RatePerMinute:  60,
		},
		Store: StoreConfig{
			DBPath: "~/.evorelay/evorelay.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
