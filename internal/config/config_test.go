package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model", func(c *Config) { c.Provider.Model = "" }},
		{"unknown provider type", func(c *Config) { c.Provider.Type = "carrier-pigeon" }},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }},
		{"excessive attempts", func(c *Config) { c.Pipeline.MaxAttempts = 50 }},
		{"non-numeric port", func(c *Config) { c.Defra.Port = "ninety" }},
		{"negative rate limit", func(c *Config) { c.Provider.RateLimit = -5 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("SOURCELIB_TEST_KEY", "sk-secret")

	tests := []struct {
		input string
		want  string
	}{
		{"${SOURCELIB_TEST_KEY}", "sk-secret"},
		{"prefix-${SOURCELIB_TEST_KEY}-suffix", "prefix-sk-secret-suffix"},
		{"no vars here", "no vars here"},
		{"", ""},
		{"${UNSET_VARIABLE_XYZ}", ""},
	}
	for _, tc := range tests {
		if got := ResolveEnvVars(tc.input); got != tc.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# sourcelibrary configuration") {
		t.Error("config file missing header comment")
	}
	for _, key := range []string{"provider:", "pipeline:", "defra:", "server:", "batch_threshold:"} {
		if !strings.Contains(content, key) {
			t.Errorf("config file missing %q", key)
		}
	}
}

func TestManagerLoadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `provider:
  type: openai
  model: gpt-4o-mini
  rate_limit: 60
pipeline:
  batch_threshold: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", cfg.Provider.Model)
	}
	if cfg.Pipeline.BatchThreshold != 10 {
		t.Errorf("batch threshold = %d, want 10", cfg.Pipeline.BatchThreshold)
	}
	// Keys the file leaves out fall back to defaults, including keys in
	// sections the file partially sets.
	if cfg.Provider.TimeoutS != 120 {
		t.Errorf("timeout = %d, want default 120", cfg.Provider.TimeoutS)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Defra.ContainerName != "sourcelibrary-defra" {
		t.Errorf("container name = %q, want default", cfg.Defra.ContainerName)
	}
}

func TestManagerRejectsInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `provider:
  type: openai
  model: ""
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := NewManager(path); err == nil {
		t.Fatal("invalid config should fail to load")
	}
}
