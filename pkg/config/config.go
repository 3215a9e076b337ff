// Package config provides the immutable run configuration for the pipeline.
//
// Configuration is loaded once at startup from an optional YAML file plus
// environment overrides, then passed by value into the engine and every
// stage. Stages never read the environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"supportflow/pkg/proto"
)

// Provider names for the text-generation client.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Default model per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-5"
	DefaultGeminiModel    = "gemini-2.5-flash"
	DefaultOllamaModel    = "qwen3:8b"
)

// Default ceilings for the hop loop.
const (
	DefaultMaxHops              = 3
	DefaultMaxActions           = 1
	DefaultMaxValidationRetries = 1

	// Structured-output retry bounds for the coverage judgement call.
	DefaultMalformedOutputRetries = 2
	DefaultInvalidParamsRetries   = 1
)

// Default call-scoped timeouts.
const (
	DefaultGatherTimeout     = 30 * time.Second
	DefaultActionTimeout     = 120 * time.Second
	DefaultValidatorTimeout  = 180 * time.Second
	DefaultGenerationTimeout = 120 * time.Second
)

// DefaultSnoozeDuration is how long Finalize snoozes a conversation.
const DefaultSnoozeDuration = 300 * time.Second

// DefaultStatusAttribute is the custom attribute Finalize writes the
// terminal status to.
const DefaultStatusAttribute = "Agent Status"

// Limits groups the hop-loop ceilings.
type Limits struct {
	MaxHops                int `yaml:"max_hops"`
	MaxActions             int `yaml:"max_actions"`
	MaxValidationRetries   int `yaml:"max_validation_retries"`
	MalformedOutputRetries int `yaml:"malformed_output_retries"`
	InvalidParamsRetries   int `yaml:"invalid_params_retries"`
}

// Timeouts groups the call-scoped timeouts.
type Timeouts struct {
	Gather     time.Duration `yaml:"gather"`
	Action     time.Duration `yaml:"action"`
	Validator  time.Duration `yaml:"validator"`
	Generation time.Duration `yaml:"generation"`
}

// Endpoints groups the external collaborator addresses.
type Endpoints struct {
	Gateway        string `yaml:"gateway"`
	Ticketing      string `yaml:"ticketing"`
	Validator      string `yaml:"validator"`
	ProcedureStore string `yaml:"procedure_store"`
	HarnessWebhook string `yaml:"harness_webhook"`
	OllamaHost     string `yaml:"ollama_host"`
}

// LLM groups provider/model selection. API keys come from the environment
// only and are never written to disk.
type LLM struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"-"`
}

// Config is the complete, immutable configuration for one process.
type Config struct {
	Limits    Limits    `yaml:"limits"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Endpoints Endpoints `yaml:"endpoints"`
	LLM       LLM       `yaml:"llm"`

	// ReviewExemptTools lists action tools that never require human review.
	// Business policy, not structure; override per deployment.
	ReviewExemptTools []string `yaml:"review_exempt_tools"`

	// LinkTicketTool is the action tool whose result carries a match_found
	// flag; review is waived only when no link actually occurred.
	LinkTicketTool string `yaml:"link_ticket_tool"`

	// ProcedureSearchTool is the meta tool filtered out of run capabilities.
	ProcedureSearchTool string `yaml:"procedure_search_tool"`

	StatusAttribute string        `yaml:"status_attribute"`
	SnoozeDuration  time.Duration `yaml:"snooze_duration"`

	Mode   proto.Mode `yaml:"mode"`
	DryRun bool       `yaml:"dry_run"`

	AnalyticsDBPath     string `yaml:"analytics_db_path"`
	MetricsSnapshotPath string `yaml:"metrics_snapshot_path"`

	// BatchWorkers bounds the parallel conversation runs in batch mode.
	BatchWorkers int `yaml:"batch_workers"`
}

// Default returns a Config populated with every default value.
func Default() Config {
	return Config{
		Limits: Limits{
			MaxHops:                DefaultMaxHops,
			MaxActions:             DefaultMaxActions,
			MaxValidationRetries:   DefaultMaxValidationRetries,
			MalformedOutputRetries: DefaultMalformedOutputRetries,
			InvalidParamsRetries:   DefaultInvalidParamsRetries,
		},
		Timeouts: Timeouts{
			Gather:     DefaultGatherTimeout,
			Action:     DefaultActionTimeout,
			Validator:  DefaultValidatorTimeout,
			Generation: DefaultGenerationTimeout,
		},
		Endpoints: Endpoints{
			OllamaHost: "http://localhost:11434",
		},
		LLM: LLM{
			Provider: ProviderAnthropic,
			Model:    DefaultAnthropicModel,
		},
		ReviewExemptTools: []string{
			"route_conversation_to_project_client",
			"generate_reset_interview_link",
			"generate_reset_tax_document_link",
			"generate_reset_form_link",
		},
		LinkTicketTool:      "match_and_link_conversation_to_ticket",
		ProcedureSearchTool: "search_procedures",
		StatusAttribute:     DefaultStatusAttribute,
		SnoozeDuration:      DefaultSnoozeDuration,
		Mode:                proto.ModeProduction,
		AnalyticsDBPath:     "supportflow.db",
		MetricsSnapshotPath: "metrics.prom",
		BatchWorkers:        4,
	}
}

// Load builds the Config from an optional YAML file and env overrides.
// Pass an empty path to use defaults + environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPPORTFLOW_MODE"); v != "" {
		cfg.Mode = proto.Mode(strings.ToLower(v))
	}
	if v := os.Getenv("SUPPORTFLOW_DRY_RUN"); v != "" {
		cfg.DryRun = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SUPPORTFLOW_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SUPPORTFLOW_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SUPPORTFLOW_MAX_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxHops = n
		}
	}
	if v := os.Getenv("SUPPORTFLOW_GATEWAY_URL"); v != "" {
		cfg.Endpoints.Gateway = v
	}
	if v := os.Getenv("SUPPORTFLOW_TICKETING_URL"); v != "" {
		cfg.Endpoints.Ticketing = v
	}
	if v := os.Getenv("SUPPORTFLOW_VALIDATOR_URL"); v != "" {
		cfg.Endpoints.Validator = v
	}
	if v := os.Getenv("SUPPORTFLOW_PROCEDURE_STORE_URL"); v != "" {
		cfg.Endpoints.ProcedureStore = v
	}
	if v := os.Getenv("SUPPORTFLOW_HARNESS_WEBHOOK"); v != "" {
		cfg.Endpoints.HarnessWebhook = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Endpoints.OllamaHost = v
	}

	switch cfg.LLM.Provider {
	case ProviderAnthropic:
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	case ProviderGemini:
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate checks internal consistency. Test mode forces dry-run so a test
// run can never write to production systems.
func (c *Config) Validate() error {
	if c.Limits.MaxHops < 1 {
		return fmt.Errorf("max_hops must be at least 1, got %d", c.Limits.MaxHops)
	}
	if c.Limits.MaxActions < 0 {
		return fmt.Errorf("max_actions must not be negative, got %d", c.Limits.MaxActions)
	}
	if c.Limits.MaxValidationRetries < 0 {
		return fmt.Errorf("max_validation_retries must not be negative, got %d", c.Limits.MaxValidationRetries)
	}
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	switch c.Mode {
	case proto.ModeProduction, proto.ModeTest:
	default:
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}
	if c.Mode == proto.ModeTest {
		c.DryRun = true
	}
	if c.BatchWorkers < 1 {
		c.BatchWorkers = 1
	}
	return nil
}

// IsReviewExempt reports whether an action tool is on the review allow-list.
func (c *Config) IsReviewExempt(toolName string) bool {
	for _, name := range c.ReviewExemptTools {
		if name == toolName {
			return true
		}
	}
	return false
}
