package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the JSON Schema every loaded config must satisfy.
// Validation runs before a config becomes active, including hot reloads.
const configSchema = `{
	"type": "object",
	"properties": {
		"provider": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["openai"]},
				"model": {"type": "string", "minLength": 1},
				"api_key": {"type": "string"},
				"rate_limit": {"type": "integer", "minimum": 1},
				"timeout_seconds": {"type": "integer", "minimum": 1}
			},
			"required": ["type", "model"]
		},
		"pipeline": {
			"type": "object",
			"properties": {
				"max_attempts": {"type": "integer", "minimum": 1, "maximum": 10},
				"backoff_base_ms": {"type": "integer", "minimum": 1},
				"item_timeout_seconds": {"type": "integer", "minimum": 1},
				"default_budget_seconds": {"type": "integer", "minimum": 1},
				"batch_threshold": {"type": "integer", "minimum": 1}
			}
		},
		"defra": {
			"type": "object",
			"properties": {
				"container_name": {"type": "string", "minLength": 1},
				"image": {"type": "string", "minLength": 1},
				"port": {"type": "string", "pattern": "^[0-9]+$"}
			}
		},
		"server": {
			"type": "object",
			"properties": {
				"port": {"type": "string", "pattern": "^[0-9]+$"}
			}
		}
	}
}`

// Validate checks a config against the schema.
func Validate(cfg *Config) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", bytes.NewReader([]byte(configSchema))); err != nil {
		return fmt.Errorf("failed to load config schema: %w", err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	// Round-trip through JSON so the validator sees plain types.
	raw, err := json.Marshal(configDoc(cfg))
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode config for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// configDoc maps the config onto the schema's key names.
func configDoc(cfg *Config) map[string]any {
	return map[string]any{
		"provider": map[string]any{
			"type":            cfg.Provider.Type,
			"model":           cfg.Provider.Model,
			"api_key":         cfg.Provider.APIKey,
			"rate_limit":      cfg.Provider.RateLimit,
			"timeout_seconds": cfg.Provider.TimeoutS,
		},
		"pipeline": map[string]any{
			"max_attempts":           cfg.Pipeline.MaxAttempts,
			"backoff_base_ms":        cfg.Pipeline.BackoffBaseMS,
			"item_timeout_seconds":   cfg.Pipeline.ItemTimeoutS,
			"default_budget_seconds": cfg.Pipeline.DefaultBudgetS,
			"batch_threshold":        cfg.Pipeline.BatchThreshold,
		},
		"defra": map[string]any{
			"container_name": cfg.Defra.ContainerName,
			"image":          cfg.Defra.Image,
			"port":           cfg.Defra.Port,
		},
		"server": map[string]any{
			"port": cfg.Server.Port,
		},
	}
}
