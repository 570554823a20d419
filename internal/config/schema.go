package config

// Config holds sourcelibrary configuration.
// Stored at: ~/.sourcelibrary/config.yaml
type Config struct {
	Provider ProviderCfg `mapstructure:"provider" yaml:"provider"`
	Pipeline PipelineCfg `mapstructure:"pipeline" yaml:"pipeline"`
	Defra    DefraConfig `mapstructure:"defra" yaml:"defra"`
	Server   ServerCfg   `mapstructure:"server" yaml:"server"`
}

// ProviderCfg configures the completion provider.
type ProviderCfg struct {
	Type      string `mapstructure:"type" yaml:"type"`                 // "openai"
	Model     string `mapstructure:"model" yaml:"model"`               // Default model
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`           // Supports ${ENV_VAR} syntax
	RateLimit int    `mapstructure:"rate_limit" yaml:"rate_limit"`     // Requests per minute
	TimeoutS  int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// PipelineCfg tunes job processing.
type PipelineCfg struct {
	// MaxAttempts bounds provider calls per item, first try included.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// BackoffBaseMS is the first retry delay in milliseconds.
	BackoffBaseMS int `mapstructure:"backoff_base_ms" yaml:"backoff_base_ms"`
	// ItemTimeoutS caps one provider invocation in seconds.
	ItemTimeoutS int `mapstructure:"item_timeout_seconds" yaml:"item_timeout_seconds"`
	// DefaultBudgetS is the wall-clock seconds one advance call may spend
	// when the caller does not say.
	DefaultBudgetS int `mapstructure:"default_budget_seconds" yaml:"default_budget_seconds"`
	// BatchThreshold is the item count at or above which new jobs go
	// through the provider's batch interface.
	BatchThreshold int `mapstructure:"batch_threshold" yaml:"batch_threshold"`
}

// DefraConfig holds DefraDB container configuration.
type DefraConfig struct {
	// ContainerName is the Docker container name (default: sourcelibrary-defra)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: sourcenetwork/defradb:latest)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 9181)
	Port string `mapstructure:"port" yaml:"port"`
}

// ServerCfg holds the HTTP API configuration.
type ServerCfg struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderCfg{
			Type:      "openai",
			Model:     "gpt-4o",
			APIKey:    "${OPENAI_API_KEY}",
			RateLimit: 150,
			TimeoutS:  120,
		},
		Pipeline: PipelineCfg{
			MaxAttempts:    3,
			BackoffBaseMS:  2000,
			ItemTimeoutS:   300,
			DefaultBudgetS: 300,
			BatchThreshold: 50,
		},
		Defra: DefraConfig{
			ContainerName: "sourcelibrary-defra",
			Image:         "sourcenetwork/defradb:latest",
			Port:          "9181",
		},
		Server: ServerCfg{
			Port: "8080",
		},
	}
}
