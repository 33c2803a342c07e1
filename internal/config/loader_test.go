package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
llm:
  fast:
    name: openai
    model: gpt-4o-mini
  slow:
    name: openai
    model: gpt-4o
bot:
  default_name: Eva
  pivot_language: en-US
`

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.LLM.RetryMax != 3 {
		t.Errorf("RetryMax = %d, want 3", cfg.LLM.RetryMax)
	}
	if cfg.Worker.MaxConcurrentCalls != 8 {
		t.Errorf("MaxConcurrentCalls = %d, want 8", cfg.Worker.MaxConcurrentCalls)
	}
	if cfg.Worker.DrainDeadlineSec != 60 {
		t.Errorf("DrainDeadlineSec = %d, want 60", cfg.Worker.DrainDeadlineSec)
	}
	if cfg.Bot.DefaultLanguage != "en-US" {
		t.Errorf("DefaultLanguage = %q, want pivot fallback en-US", cfg.Bot.DefaultLanguage)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("bogus_key: 1\n" + minimalYAML))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"missing fast tier", func(c *Config) { c.LLM.Fast.Name = "" }, "llm.fast.name"},
		{"missing slow tier", func(c *Config) { c.LLM.Slow.Name = "" }, "llm.slow.name"},
		{"default lang unavailable", func(c *Config) { c.Bot.DefaultLanguage = "de-DE" }, "default_language"},
		{"bad style speed", func(c *Config) {
			c.Styles = map[string]StyleConfig{"cheerful": {SpeedFactor: 3.0}}
		}, "speed_factor"},
		{"bad style pitch", func(c *Config) {
			c.Styles = map[string]StyleConfig{"sad": {PitchShift: -20}}
		}, "pitch_shift"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	env := map[string]string{
		"LLM__FAST__ENDPOINT": "https://fast.example.com/v1",
		"LLM__FAST__API_KEY":  "sk-fast",
		"STT__API_KEY":        "dg-key",
		"REDIS__ADDR":         "redis.internal:6379",
		"REDIS__DB":           "3",
		"SERVER__LOG_LEVEL":   "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{}
	applyDefaults(cfg)
	applyEnv(cfg, lookup)

	if cfg.LLM.Fast.Endpoint != "https://fast.example.com/v1" {
		t.Errorf("Fast.Endpoint = %q", cfg.LLM.Fast.Endpoint)
	}
	if cfg.LLM.Fast.APIKey != "sk-fast" {
		t.Errorf("Fast.APIKey = %q", cfg.LLM.Fast.APIKey)
	}
	if cfg.STT.APIKey != "dg-key" {
		t.Errorf("STT.APIKey = %q", cfg.STT.APIKey)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d", cfg.Redis.DB)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
}
