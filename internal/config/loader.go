package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// validLogLevels are the accepted server.log_level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.LLM.RetryMax <= 0 {
		cfg.LLM.RetryMax = 3
	}
	if cfg.Search.TopK <= 0 {
		cfg.Search.TopK = 5
	}
	if cfg.Worker.Group == "" {
		cfg.Worker.Group = "parley-workers"
	}
	if cfg.Worker.MaxConcurrentCalls <= 0 {
		cfg.Worker.MaxConcurrentCalls = 8
	}
	if cfg.Worker.DrainDeadlineSec <= 0 {
		cfg.Worker.DrainDeadlineSec = 60
	}
	if cfg.Bot.PivotLanguage == "" {
		cfg.Bot.PivotLanguage = "en-US"
	}
	if cfg.Bot.DefaultLanguage == "" {
		cfg.Bot.DefaultLanguage = cfg.Bot.PivotLanguage
	}
	if len(cfg.Bot.AvailableLanguages) == 0 {
		cfg.Bot.AvailableLanguages = []string{cfg.Bot.DefaultLanguage}
	}
}

// applyEnv overlays environment variables onto cfg. Keys use the "__"
// separator: LLM__FAST__ENDPOINT, STT__API_KEY, REDIS__ADDR, and so on. The
// mapping is deterministic and explicit — no reflection.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	set("SERVER__LISTEN_ADDR", &cfg.Server.ListenAddr)
	set("SERVER__LOG_LEVEL", &cfg.Server.LogLevel)

	entry := func(prefix string, e *ProviderEntry) {
		set(prefix+"__NAME", &e.Name)
		set(prefix+"__API_KEY", &e.APIKey)
		set(prefix+"__ENDPOINT", &e.Endpoint)
		set(prefix+"__MODEL", &e.Model)
	}
	entry("LLM__FAST", &cfg.LLM.Fast)
	entry("LLM__SLOW", &cfg.LLM.Slow)
	entry("STT", &cfg.STT)
	entry("TTS", &cfg.TTS)
	entry("TRANSLATE", &cfg.Translate)
	entry("SAFETY", &cfg.Safety)
	entry("SEARCH__EMBEDDINGS", &cfg.Search.Embeddings)

	set("SEARCH__POSTGRES_DSN", &cfg.Search.PostgresDSN)
	set("SMS__ENDPOINT", &cfg.SMS.Endpoint)
	set("SMS__FROM", &cfg.SMS.From)
	set("SMS__ACCOUNT_SID", &cfg.SMS.AccountSID)
	set("SMS__AUTH_TOKEN", &cfg.SMS.AuthToken)
	set("STORE__POSTGRES_DSN", &cfg.Store.PostgresDSN)
	set("REDIS__ADDR", &cfg.Redis.Addr)
	set("REDIS__PASSWORD", &cfg.Redis.Password)
	setInt("REDIS__DB", &cfg.Redis.DB)
	set("WORKER__GROUP", &cfg.Worker.Group)
	set("WORKER__CONSUMER", &cfg.Worker.Consumer)
	setInt("WORKER__MAX_CONCURRENT_CALLS", &cfg.Worker.MaxConcurrentCalls)
	setInt("WORKER__DRAIN_DEADLINE_SEC", &cfg.Worker.DrainDeadlineSec)
	set("BOT__DEFAULT_NAME", &cfg.Bot.DefaultName)
	set("BOT__DEFAULT_COMPANY", &cfg.Bot.DefaultCompany)
	set("BOT__AGENT_PHONE_NUMBER", &cfg.Bot.AgentPhoneNumber)
	set("BOT__PHONE_NUMBER", &cfg.Bot.PhoneNumber)
	set("BOT__PIVOT_LANGUAGE", &cfg.Bot.PivotLanguage)
	set("BOT__DEFAULT_LANGUAGE", &cfg.Bot.DefaultLanguage)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.LLM.Fast.Name == "" {
		errs = append(errs, errors.New("llm.fast.name is required"))
	}
	if cfg.LLM.Slow.Name == "" {
		errs = append(errs, errors.New("llm.slow.name is required"))
	}
	if !slices.Contains(cfg.Bot.AvailableLanguages, cfg.Bot.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("bot.default_language %q is not in bot.available_languages", cfg.Bot.DefaultLanguage))
	}
	for name, sc := range cfg.Styles {
		if sc.SpeedFactor != 0 && (sc.SpeedFactor < 0.5 || sc.SpeedFactor > 2.0) {
			errs = append(errs, fmt.Errorf("styles.%s.speed_factor %.2f is out of range [0.5, 2.0]", name, sc.SpeedFactor))
		}
		if sc.PitchShift < -10 || sc.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("styles.%s.pitch_shift %.2f is out of range [-10, 10]", name, sc.PitchShift))
		}
	}

	return errors.Join(errs...)
}
