// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
	"time"
)

// Task names a generation step. Each task may be routed to its own
// provider profile through Config.Tasks.
type Task string

const (
	TaskArchitecture Task = "architecture"
	TaskBlueprint    Task = "blueprint"
	TaskDraft        Task = "draft"
	TaskConsistency  Task = "consistency"
	TaskStateDelta   Task = "state_delta"
	TaskSummary      Task = "summary"

	// TaskDefault is the fallback route for tasks without their own entry.
	TaskDefault Task = "default"
)

// AllTasks lists every routable task.
var AllTasks = []Task{TaskArchitecture, TaskBlueprint, TaskDraft, TaskConsistency, TaskStateDelta, TaskSummary}

// ProjectConfig holds the novel parameters.
type ProjectConfig struct {
	// ID is the project identifier. Generated by "novelist init".
	ID string `json:"id" yaml:"id" mapstructure:"id"`

	// Title is the working title.
	Title string `json:"title" yaml:"title" mapstructure:"title"`

	// Topic is the premise to build the architecture from.
	Topic string `json:"topic" yaml:"topic" mapstructure:"topic"`

	// Genre is the genre label.
	Genre string `json:"genre" yaml:"genre" mapstructure:"genre"`

	// ChapterCount is the number of chapters to generate.
	ChapterCount int `json:"chapter_count" yaml:"chapter_count" mapstructure:"chapter_count"`

	// WordsPerChapter is the per-chapter length target.
	WordsPerChapter int `json:"words_per_chapter" yaml:"words_per_chapter" mapstructure:"words_per_chapter"`

	// Guidance is optional author direction.
	Guidance string `json:"guidance,omitempty" yaml:"guidance,omitempty" mapstructure:"guidance"`
}

// BudgetConfig holds the token budgets for context assembly and the
// global summary. All values are estimated tokens.
type BudgetConfig struct {
	// ContextTokens is the hard cap B on an assembled context bundle.
	ContextTokens int `json:"context_tokens" yaml:"context_tokens" mapstructure:"context_tokens"`

	// RecencyTokens is the sub-budget for recent chapter text.
	RecencyTokens int `json:"recency_tokens" yaml:"recency_tokens" mapstructure:"recency_tokens"`

	// SummaryTokens is the sub-budget for the global summary in a bundle.
	SummaryTokens int `json:"summary_tokens" yaml:"summary_tokens" mapstructure:"summary_tokens"`

	// RetrievalTokens is the sub-budget for retrieved knowledge chunks.
	RetrievalTokens int `json:"retrieval_tokens" yaml:"retrieval_tokens" mapstructure:"retrieval_tokens"`

	// RetrievalCount is the maximum number of retrieved chunks (m).
	RetrievalCount int `json:"retrieval_count" yaml:"retrieval_count" mapstructure:"retrieval_count"`

	// RecentChapters is the number of recent chapters kept in full text (k).
	RecentChapters int `json:"recent_chapters" yaml:"recent_chapters" mapstructure:"recent_chapters"`

	// GlobalSummaryTokens bounds the stored global summary.
	GlobalSummaryTokens int `json:"global_summary_tokens" yaml:"global_summary_tokens" mapstructure:"global_summary_tokens"`

	// ChunkTokens is the target size of a knowledge chunk.
	ChunkTokens int `json:"chunk_tokens" yaml:"chunk_tokens" mapstructure:"chunk_tokens"`
}

// RetryConfig governs transport retries (network, timeouts, rate limits).
// Content-shape retries have their own counters in PolicyConfig.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per call, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" mapstructure:"initial_interval"`

	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`

	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64 `json:"jitter" yaml:"jitter" mapstructure:"jitter"`

	// CallTimeout bounds a single provider call. Zero disables it.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" mapstructure:"call_timeout"`
}

// PolicyConfig holds content-shape and consistency policies.
type PolicyConfig struct {
	// LengthTolerance is the accepted relative deviation from the word target (0.2 = ±20%).
	LengthTolerance float64 `json:"length_tolerance" yaml:"length_tolerance" mapstructure:"length_tolerance"`

	// LengthRetries is the number of expand/contract re-drafts.
	LengthRetries int `json:"length_retries" yaml:"length_retries" mapstructure:"length_retries"`

	// ContentRetries is the number of retries for empty or unparseable output.
	ContentRetries int `json:"content_retries" yaml:"content_retries" mapstructure:"content_retries"`

	// ConsistencyRedrafts is the number of re-drafts spent on blocking
	// consistency issues. Clamped to 0..2.
	ConsistencyRedrafts int `json:"consistency_redrafts" yaml:"consistency_redrafts" mapstructure:"consistency_redrafts"`

	// ArchitectureRetries is the number of augmented retries for a short architecture.
	ArchitectureRetries int `json:"architecture_retries" yaml:"architecture_retries" mapstructure:"architecture_retries"`

	// MinArchitectureChars is the minimum accepted architecture length in runes.
	MinArchitectureChars int `json:"min_architecture_chars" yaml:"min_architecture_chars" mapstructure:"min_architecture_chars"`

	// SummaryCompressions is how many extra compression passes the finalizer
	// may spend before hard-truncating the summary to budget.
	SummaryCompressions int `json:"summary_compressions" yaml:"summary_compressions" mapstructure:"summary_compressions"`

	// CreativeTemperature is used for architecture, blueprint and draft calls.
	CreativeTemperature float64 `json:"creative_temperature" yaml:"creative_temperature" mapstructure:"creative_temperature"`

	// AnalyticTemperature is used for consistency, state-delta and summary calls.
	AnalyticTemperature float64 `json:"analytic_temperature" yaml:"analytic_temperature" mapstructure:"analytic_temperature"`
}

// ProviderConfig describes one generation provider profile.
type ProviderConfig struct {
	// Kind selects the adapter: openai, anthropic, gemini or ollama.
	Kind string `json:"kind" yaml:"kind" mapstructure:"kind"`

	// Model is the provider model identifier.
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible servers, Ollama).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`

	// APIKey is the credential. Prefer APIKeySecret.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// APIKeySecret names a file in .secrets/ or a .env key holding the credential.
	APIKeySecret string `json:"api_key_secret,omitempty" yaml:"api_key_secret,omitempty" mapstructure:"api_key_secret"`

	// MaxTokens caps max_output_tokens for this profile. Zero means no cap.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`

	// Timeout is the HTTP client timeout for this profile.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// EmbeddingConfig describes the embedding provider.
type EmbeddingConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`

	// CacheSize is the number of query embeddings kept in memory.
	CacheSize int `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`
}

// Config is the complete, explicit configuration of one project run.
// The pipeline treats it as read-only.
type Config struct {
	Project   ProjectConfig             `json:"project" yaml:"project" mapstructure:"project"`
	Budget    BudgetConfig              `json:"budget" yaml:"budget" mapstructure:"budget"`
	Retry     RetryConfig               `json:"retry" yaml:"retry" mapstructure:"retry"`
	Policy    PolicyConfig              `json:"policy" yaml:"policy" mapstructure:"policy"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers" mapstructure:"providers"`

	// Tasks maps a task name (or "default") to a Providers key.
	Tasks map[string]string `json:"tasks" yaml:"tasks" mapstructure:"tasks"`

	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding" mapstructure:"embedding"`

	// PromptsFile optionally overrides prompt templates (YAML, task name to template).
	PromptsFile string `json:"prompts_file,omitempty" yaml:"prompts_file,omitempty" mapstructure:"prompts_file"`
}

// DefaultConfig returns a configuration with every option set explicitly.
// Project fields are left empty.
func DefaultConfig() Config {
	return Config{
		Project: ProjectConfig{
			ChapterCount:    10,
			WordsPerChapter: 3000,
		},
		Budget: BudgetConfig{
			ContextTokens:       12000,
			RecencyTokens:       6000,
			SummaryTokens:       2000,
			RetrievalTokens:     3000,
			RetrievalCount:      4,
			RecentChapters:      2,
			GlobalSummaryTokens: 2000,
			ChunkTokens:         400,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			Jitter:          0.5,
			CallTimeout:     10 * time.Minute,
		},
		Policy: PolicyConfig{
			LengthTolerance:      0.2,
			LengthRetries:        2,
			ContentRetries:       2,
			ConsistencyRedrafts:  1,
			ArchitectureRetries:  2,
			MinArchitectureChars: 400,
			SummaryCompressions:  2,
			CreativeTemperature:  0.8,
			AnalyticTemperature:  0.2,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Kind:         "openai",
				Model:        "gpt-4o",
				APIKeySecret: "openai-api-key",
				MaxTokens:    16384,
				Timeout:      10 * time.Minute,
			},
		},
		Tasks: map[string]string{
			string(TaskDefault): "openai",
		},
		Embedding: EmbeddingConfig{
			ProviderConfig: ProviderConfig{
				Kind:         "openai",
				Model:        "text-embedding-3-small",
				APIKeySecret: "openai-api-key",
				Timeout:      time.Minute,
			},
			CacheSize: 256,
		},
	}
}

// ProviderFor returns the profile name routed to task.
func (c Config) ProviderFor(task Task) string {
	if name, ok := c.Tasks[string(task)]; ok && name != "" {
		return name
	}
	return c.Tasks[string(TaskDefault)]
}

// Validate checks every field the pipeline depends on and returns all
// problems joined together.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	p := c.Project
	if p.ID == "" {
		bad("project.id", "required")
	}
	if p.Topic == "" {
		bad("project.topic", "required")
	}
	if p.Genre == "" {
		bad("project.genre", "required")
	}
	if p.ChapterCount < 1 {
		bad("project.chapter_count", "must be at least 1, got %d", p.ChapterCount)
	}
	if p.WordsPerChapter < 1 {
		bad("project.words_per_chapter", "must be at least 1, got %d", p.WordsPerChapter)
	}

	b := c.Budget
	if b.ContextTokens < 1 {
		bad("budget.context_tokens", "must be at least 1, got %d", b.ContextTokens)
	}
	for field, v := range map[string]int{
		"budget.recency_tokens":   b.RecencyTokens,
		"budget.summary_tokens":   b.SummaryTokens,
		"budget.retrieval_tokens": b.RetrievalTokens,
		"budget.retrieval_count":  b.RetrievalCount,
		"budget.recent_chapters":  b.RecentChapters,
	} {
		if v < 0 {
			bad(field, "must not be negative, got %d", v)
		}
	}
	if b.GlobalSummaryTokens < 1 {
		bad("budget.global_summary_tokens", "must be at least 1, got %d", b.GlobalSummaryTokens)
	}
	if b.ChunkTokens < 1 {
		bad("budget.chunk_tokens", "must be at least 1, got %d", b.ChunkTokens)
	}

	if c.Retry.MaxAttempts < 1 {
		bad("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		bad("retry.jitter", "must be within [0,1], got %g", c.Retry.Jitter)
	}

	pol := c.Policy
	if pol.LengthTolerance <= 0 || pol.LengthTolerance >= 1 {
		bad("policy.length_tolerance", "must be within (0,1), got %g", pol.LengthTolerance)
	}
	if pol.LengthRetries < 0 || pol.ContentRetries < 0 || pol.ArchitectureRetries < 0 || pol.SummaryCompressions < 0 {
		bad("policy", "retry counts must not be negative")
	}
	if pol.ConsistencyRedrafts < 0 || pol.ConsistencyRedrafts > 2 {
		bad("policy.consistency_redrafts", "must be within [0,2], got %d", pol.ConsistencyRedrafts)
	}

	for name, pc := range c.Providers {
		if pc.Kind == "" {
			bad("providers."+name+".kind", "required")
		}
	}
	if c.Tasks[string(TaskDefault)] == "" {
		for _, t := range AllTasks {
			if c.Tasks[string(t)] == "" {
				bad("tasks."+string(t), "no provider routed and no default")
			}
		}
	}
	for task, name := range c.Tasks {
		if _, ok := c.Providers[name]; !ok {
			bad("tasks."+task, "unknown provider %q", name)
		}
	}
	if c.Embedding.Kind == "" {
		bad("embedding.kind", "required")
	}

	return errors.Join(errs...)
}
