// Package config handles YAML config file loading for the delve worker.
package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/provider"
	"github.com/pithecene-io/delve/types"
)

// Config represents a delve.yaml configuration file.
// All values are optional and act as defaults for delve-worker flags.
// CLI flags always override config values.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Budgets   BudgetsConfig   `yaml:"budgets"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// WorkerConfig tunes one worker replica.
type WorkerConfig struct {
	// ID is the replica identity used as lease owner. Empty generates one.
	ID string `yaml:"id"`
	// Capacity bounds concurrent executions per tick.
	Capacity int `yaml:"capacity"`
	// TickInterval is the pause between runnable scans.
	TickInterval Duration `yaml:"tick_interval"`
	// LeaseDuration is the execution lease lifetime.
	LeaseDuration Duration `yaml:"lease_duration"`
	// ToolConcurrency bounds the tool-resolution fan-out.
	ToolConcurrency int `yaml:"tool_concurrency"`
	// MergeGapChars is the citation merge tolerance.
	MergeGapChars int `yaml:"merge_gap_chars"`
	// InlineMaxBytes is the state inline-vs-offload threshold.
	InlineMaxBytes int `yaml:"inline_max_bytes"`
}

// RedisConfig holds the record store connection.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL string `yaml:"url"`
}

// StorageConfig holds blob storage defaults from the config file.
type StorageConfig struct {
	// Backend is "s3" or "memory". Memory is for local debugging only.
	Backend     string `yaml:"backend"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// S3 converts the storage section into the blob store configuration.
func (s StorageConfig) S3() blob.S3Config {
	return blob.S3Config{
		Bucket:       s.Bucket,
		Prefix:       s.Prefix,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		UsePathStyle: s.S3PathStyle,
	}
}

// ProvidersConfig selects the root and sub completion backends.
type ProvidersConfig struct {
	Root ProviderConfig `yaml:"root"`
	Sub  ProviderConfig `yaml:"sub"`
	// CacheSubcalls enables the content-addressed sub-completion cache.
	CacheSubcalls bool `yaml:"cache_subcalls"`
	// CachePrefix is the blob key prefix for cached sub-completions.
	CachePrefix string `yaml:"cache_prefix"`
}

// ProviderConfig names one completion backend.
type ProviderConfig struct {
	// Type is "stub", "anthropic", or "openai". Empty means stub.
	Type string `yaml:"type"`
	// APIKey is the vendor API key; supports ${VAR} expansion.
	APIKey string `yaml:"api_key"`
	// Model is the default model identifier.
	Model string `yaml:"model"`
}

// Backend constructs the configured completion backend.
func (p ProviderConfig) Backend() (provider.Backend, error) {
	switch p.Type {
	case "", "stub":
		return provider.NewStub(), nil
	case "anthropic":
		return provider.NewAnthropic(p.APIKey, p.Model)
	case "openai":
		return provider.NewOpenAI(p.APIKey, p.Model)
	default:
		return nil, fmt.Errorf("unknown provider type: %s (must be stub, anthropic, or openai)", p.Type)
	}
}

// BudgetsConfig holds default execution budgets. Pointer fields distinguish
// "omitted, use the default" from an explicit zero.
type BudgetsConfig struct {
	MaxTurns        *int     `yaml:"max_turns,omitempty"`
	MaxTotalSeconds *float64 `yaml:"max_total_seconds,omitempty"`
	MaxPromptChars  *int     `yaml:"max_prompt_chars,omitempty"`
	MaxLLMSubcalls  *int     `yaml:"max_llm_subcalls,omitempty"`
}

// BudgetLimits resolves the section against the built-in defaults.
func (b BudgetsConfig) BudgetLimits() types.BudgetLimits {
	limits := types.DefaultBudgetLimits()
	if b.MaxTurns != nil {
		limits.MaxTurns = *b.MaxTurns
	}
	if b.MaxTotalSeconds != nil {
		limits.MaxTotalSeconds = *b.MaxTotalSeconds
	}
	if b.MaxPromptChars != nil {
		limits.MaxPromptChars = *b.MaxPromptChars
	}
	if b.MaxLLMSubcalls != nil {
		limits.MaxLLMSubcalls = *b.MaxLLMSubcalls
	}
	return limits
}

// LimitsConfig holds default per-step limits.
type LimitsConfig struct {
	MaxStepSeconds         *float64 `yaml:"max_step_seconds,omitempty"`
	MaxStdoutChars         *int     `yaml:"max_stdout_chars,omitempty"`
	MaxStateChars          *int     `yaml:"max_state_chars,omitempty"`
	MaxSpansPerStep        *int     `yaml:"max_spans_per_step,omitempty"`
	MaxToolRequestsPerStep *int     `yaml:"max_tool_requests_per_step,omitempty"`
}

// StepLimits resolves the section against the built-in defaults.
func (l LimitsConfig) StepLimits() types.StepLimits {
	limits := types.DefaultStepLimits()
	if l.MaxStepSeconds != nil {
		limits.MaxStepSeconds = *l.MaxStepSeconds
	}
	if l.MaxStdoutChars != nil {
		limits.MaxStdoutChars = *l.MaxStdoutChars
	}
	if l.MaxStateChars != nil {
		limits.MaxStateChars = *l.MaxStateChars
	}
	if l.MaxSpansPerStep != nil {
		limits.MaxSpansPerStep = *l.MaxSpansPerStep
	}
	if l.MaxToolRequestsPerStep != nil {
		limits.MaxToolRequestsPerStep = *l.MaxToolRequestsPerStep
	}
	return limits
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
