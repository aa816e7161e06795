package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"coach":      {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"capture":    {"wsbridge", "whisper"},
	"synthesis":  {"wsbridge", "elevenlabs"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("coach", cfg.Providers.Coach.Name)
	validateProviderName("capture", cfg.Providers.Capture.Name)
	validateProviderName("synthesis", cfg.Providers.Synthesis.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Provider availability warnings
	if cfg.Providers.Coach.Name == "" {
		slog.Warn("no coach provider configured; feedback and scoring will use local fallbacks only")
	}

	// Practice tuning
	if cfg.Practice.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("practice.silence_timeout %s is negative", cfg.Practice.SilenceTimeout))
	}
	if cfg.Practice.SpeechRate != 0 {
		if cfg.Practice.SpeechRate < 0.5 || cfg.Practice.SpeechRate > 2.0 {
			errs = append(errs, fmt.Errorf("practice.speech_rate %.2f is out of range [0.5, 2.0]", cfg.Practice.SpeechRate))
		}
	}

	// Embeddings ↔ history dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.History.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but history.embedding_dimensions is not set; defaulting to the model's native dimension")
	}

	// History availability
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; graded turns will not be persisted")
	}

	// Topic duplicate ID detection
	topicIDsSeen := make(map[string]int, len(cfg.Topics))

	for i, topic := range cfg.Topics {
		prefix := fmt.Sprintf("topics[%d]", i)
		if topic.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := topicIDsSeen[topic.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of topics[%d]", prefix, topic.ID, prev))
			}
			topicIDsSeen[topic.ID] = i
		}
		if topic.Title == "" {
			errs = append(errs, fmt.Errorf("%s.title is required", prefix))
		}
		if topic.Opening == "" {
			errs = append(errs, fmt.Errorf("%s.opening is required", prefix))
		}
	}

	// Default topic must resolve to a built-in or configured topic; unknown
	// IDs still work (the catalogue falls back to generic framing) so this
	// is only a warning.
	if dt := cfg.Practice.DefaultTopic; dt != "" {
		if _, ok := topicIDsSeen[dt]; !ok && !slices.Contains(builtinTopicIDs, dt) {
			slog.Warn("practice.default_topic is not a known topic; sessions will use generic framing",
				"topic", dt,
			)
		}
	}

	return errors.Join(errs...)
}

// builtinTopicIDs mirrors the built-in topic catalogue. Kept here rather than
// imported to avoid a config → coach dependency.
var builtinTopicIDs = []string{"daily_life", "travel", "food", "hobbies", "work", "movies"}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
