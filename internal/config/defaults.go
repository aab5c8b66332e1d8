package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 15,
			MaxBodyBytes:        10 << 20,
		},
		Storage: StorageConfig{
			DBPath: "~/.wanote/wanote.db",
		},
		Whitelist: WhitelistConfig{
			TriggerKeyword: "#note",
			RefreshSeconds: 60,
			MinMatchDigits: 7,
		},
		CloudAPI: CloudAPIConfig{
			Enabled:     false,
			APIBase:     "https://graph.facebook.com/v21.0",
			WebhookPath: "/webhook/meta",
		},
		Bridge: BridgeConfig{
			Enabled:     false,
			Session:     "default",
			WebhookPath: "/webhook/wpp",
		},
		Extraction: ExtractionConfig{
			Provider:           "gemini",
			Transcriber:        "gemini",
			TimeoutSeconds:     45,
			MaxRetries:         2,
			RetryBaseMillis:    500,
			RateLimitPerMinute: 60,
			Gemini: GeminiConfig{
				Model:    "gemini-2.0-flash",
				Location: "us-central1",
			},
			OpenAI: OpenAIConfig{
				Model:           "gpt-4o-mini",
				TranscribeModel: "whisper-1",
			},
			Ollama: OllamaConfig{
				APIBase: "http://localhost:11434",
				Model:   "llama3.1:8b",
			},
		},
		Sheets: SheetsConfig{
			Range:           "Sheet1!A:O",
			TimeoutSeconds:  20,
			MaxRetries:      3,
			RetryBaseMillis: 500,
		},
		Reply: ReplyConfig{
			TimeoutSeconds:   15,
			ProcessingNotice: true,
			ProcessingText:   "Message received! Processing...",
		},
		Pipeline: PipelineConfig{
			DeadlineSeconds:     180,
			MaxInFlight:         16,
			MaxQueued:           256,
			MediaTimeoutSeconds: 30,
		},
	}
}
