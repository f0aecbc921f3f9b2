package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the agentcore server process.
type ServerConfig struct {
	GRPCAddress     string `yaml:"grpcAddress" validate:"required"`
	MetricsAddress  string `yaml:"metricsAddress"` // empty disables /metrics
	OTLPEndpoint    string `yaml:"otlpEndpoint"`   // empty disables tracing export
	ServiceName     string `yaml:"serviceName" validate:"required"`
	LogLevel        string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	CleanupInterval int    `yaml:"cleanupIntervalSeconds" validate:"min=1"`

	// Inbound Handle calls per second across all clients (0 = unlimited)
	RateLimit float64 `yaml:"rateLimit" validate:"min=0"`
	RateBurst int     `yaml:"rateBurst" validate:"min=0"`

	// Reload the agent section when the config file changes
	WatchConfig bool `yaml:"watchConfig"`

	Agent *AgentConfig `yaml:"agent" validate:"required"`

	// Tool descriptions for prompts and memory routing
	Tools []ToolConfig `yaml:"tools" validate:"dive"`
}

// ToolConfig describes one tool in the catalog.
type ToolConfig struct {
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Kind        string         `yaml:"kind" validate:"omitempty,oneof=tool memory"`
	RiskLevel   string         `yaml:"riskLevel" validate:"omitempty,oneof=low medium high"`
	Parameters  map[string]any `yaml:"parameters"`
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		GRPCAddress:     ":50061",
		MetricsAddress:  ":9102",
		OTLPEndpoint:    "",
		ServiceName:     "agentcore",
		LogLevel:        "info",
		CleanupInterval: 30,
		RateLimit:       0,
		RateBurst:       0,
		WatchConfig:     false,
		Agent:           DefaultAgentConfig(),
	}
}

// CleanupEvery returns the sweeper interval as a duration.
func (c *ServerConfig) CleanupEvery() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

var structValidator = validator.New()

// Validate checks the server configuration and its agent section.
func (c *ServerConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validation error: %w", err)
		}
		messages := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			messages = append(messages, formatFieldError(fe))
		}
		return fmt.Errorf("%s", strings.Join(messages, "; "))
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	if len(field) > 0 {
		field = strings.ToLower(field[:1]) + field[1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// LoadAgentConfigFile reads only the agent section of a server config file.
// Used by config reload.
func LoadAgentConfigFile(path string) (*AgentConfig, error) {
	cfg, err := LoadServerConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg.Agent, nil
}

// LoadServerConfig reads a YAML file over the defaults, applies environment
// overrides and validates the result. An empty path or a missing file yields
// the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if cfg.Agent == nil {
		cfg.Agent = DefaultAgentConfig()
	}

	loadServerConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadServerConfigFromEnv(cfg *ServerConfig) {
	if v := os.Getenv("AGENTCORE_GRPC_ADDRESS"); v != "" {
		cfg.GRPCAddress = v
	}
	if v := os.Getenv("AGENTCORE_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("AGENTCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTCORE_MAX_ITERATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = i
		}
	}
}
