// Package config provides the static configuration schema, loader, and the
// runtime feature-flag snapshot for the Parley voice orchestrator.
//
// Static configuration is YAML plus environment overrides using the "__"
// separator (e.g. LLM__FAST__ENDPOINT). Runtime-tunable parameters live in
// the key-value flag store and are refreshed as immutable snapshots with
// bounded staleness; see [Flags].
package config

// Config is the root static configuration, typically loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	STT       ProviderEntry   `yaml:"stt"`
	TTS       ProviderEntry   `yaml:"tts"`
	Translate ProviderEntry   `yaml:"translate"`
	Safety    ProviderEntry   `yaml:"safety"`
	Search    SearchConfig    `yaml:"search"`
	SMS       SMSConfig       `yaml:"sms"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Bot       BotConfig       `yaml:"bot"`
	Styles    map[string]StyleConfig `yaml:"styles"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// ProviderEntry is the common configuration block shared by remote provider
// integrations.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anthropic",
	// "wsstream", "wsvoice").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the provider's default API endpoint.
	Endpoint string `yaml:"endpoint"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// LLMConfig declares the two completion tiers. The fast tier serves
// conversational turns by default; the slow tier serves post-call synthesis
// and turns when the slow_llm_for_chat flag is set.
type LLMConfig struct {
	Fast ProviderEntry `yaml:"fast"`
	Slow ProviderEntry `yaml:"slow"`

	// RetryMax is the per-tier attempt cap before cross-tier fallback.
	// Default 3.
	RetryMax int `yaml:"retry_max"`
}

// SearchConfig configures the document retriever behind search_documents.
type SearchConfig struct {
	// PostgresDSN is the connection string for the pgvector documents table.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Embeddings selects the embedding provider for queries and snippets.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// TopK is how many snippets one search returns. Default 5.
	TopK int `yaml:"top_k"`
}

// SMSConfig configures the outbound SMS gateway.
type SMSConfig struct {
	Endpoint   string `yaml:"endpoint"`
	From       string `yaml:"from"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// StoreConfig configures call persistence.
type StoreConfig struct {
	// PostgresDSN is the connection string for the calls table.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig configures the shared Redis used for leases, queues, dedup
// markers, and the runtime flag store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig tunes the per-process worker pool.
type WorkerConfig struct {
	// Group is the queue consumer-group name shared by the fleet.
	Group string `yaml:"group"`

	// Consumer is this process's consumer identity. Empty means derive one
	// from the hostname and PID.
	Consumer string `yaml:"consumer"`

	// MaxConcurrentCalls caps simultaneously handled calls per process.
	// Default 8.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// DrainDeadlineSec is how long graceful shutdown waits for in-flight
	// calls to close before releasing their leases. Default 60.
	DrainDeadlineSec int `yaml:"drain_deadline_sec"`
}

// BotConfig holds the defaults applied to calls that do not override them at
// initiation.
type BotConfig struct {
	DefaultName      string   `yaml:"default_name"`
	DefaultCompany   string   `yaml:"default_company"`
	AgentPhoneNumber string   `yaml:"agent_phone_number"`
	PhoneNumber      string   `yaml:"phone_number"`

	// PivotLanguage is the language prompts are authored in; replies are
	// translated to the caller's language before synthesis.
	PivotLanguage string `yaml:"pivot_language"`

	// DefaultLanguage and AvailableLanguages seed Initiate blocks created
	// from inbound calls with no prior record.
	DefaultLanguage    string   `yaml:"default_language"`
	AvailableLanguages []string `yaml:"available_languages"`
}

// StyleConfig maps an emotional style name to concrete voice parameters.
type StyleConfig struct {
	// VoiceID overrides the default voice for this style, when set.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// PitchShift adjusts pitch in [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`
}
