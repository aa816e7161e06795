package config_test

import (
	"strings"
	"testing"

	"github.com/davrien/converso/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  coach:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  capture:
    name: wsbridge
  synthesis:
    name: wsbridge
  embeddings:
    name: openai
    model: text-embedding-3-small
practice:
  default_topic: travel
  language: en-US
  silence_timeout: 2m
  speech_rate: 1.1
history:
  postgres_dsn: "postgres://localhost/converso"
  embedding_dimensions: 1536
topics:
  - id: science
    title: Science
    framing: "You are discussing science with the learner."
    opening: "What scientific discovery do you find most exciting?"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Providers.Coach.Model != "gpt-4o-mini" {
		t.Errorf("coach model = %q", cfg.Providers.Coach.Model)
	}
	if cfg.Practice.SilenceTimeout.Minutes() != 2 {
		t.Errorf("silence_timeout = %s, want 2m", cfg.Practice.SilenceTimeout)
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0].ID != "science" {
		t.Errorf("topics = %+v, want the science topic", cfg.Topics)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  unknown_option: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_DuplicateTopicIDs(t *testing.T) {
	t.Parallel()
	yaml := `
topics:
  - id: travel
    title: Travel
    opening: "Where have you been?"
  - id: travel
    title: Travel Again
    opening: "Where are you going?"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate topic IDs, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_TopicRequiresIDTitleOpening(t *testing.T) {
	t.Parallel()
	yaml := `
topics:
  - framing: "Some framing only."
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for incomplete topic, got nil")
	}
	for _, want := range []string{"id is required", "title is required", "opening is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should contain %q, got: %v", want, err)
		}
	}
}

func TestValidate_SpeechRateOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
practice:
  speech_rate: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range speech rate, got nil")
	}
	if !strings.Contains(err.Error(), "speech_rate") {
		t.Errorf("error should mention speech_rate, got: %v", err)
	}
}

func TestValidate_NegativeSilenceTimeout(t *testing.T) {
	t.Parallel()
	yaml := `
practice:
  silence_timeout: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative silence timeout, got nil")
	}
}

func TestValidate_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()
	// An all-defaults config only produces warnings, never errors.
	cfg, err := config.LoadFromReader(strings.NewReader("{}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Practice.SpeechRate != 0 {
		t.Errorf("speech_rate = %v, want zero default", cfg.Practice.SpeechRate)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/converso.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
