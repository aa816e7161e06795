package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_MissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if key, ok := fs.APIKey(); ok || key != "" {
		t.Errorf("APIKey = (%q, %v), want absent", key, ok)
	}
	if got := fs.Language("en-US"); got != "en-US" {
		t.Errorf("Language fallback = %q, want en-US", got)
	}
	if got := fs.SpeechRate(1.0); got != 1.0 {
		t.Errorf("SpeechRate fallback = %v, want 1.0", got)
	}
}

func TestFileStore_SetAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := fs.SetAPIKey("sk-test-123"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if err := fs.SetLanguage("en-GB"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if err := fs.SetVoice("daniel"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	if err := fs.SetSpeechRate(0.9); err != nil {
		t.Fatalf("SetSpeechRate: %v", err)
	}

	// A fresh store reads the persisted document.
	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if key, ok := reloaded.APIKey(); !ok || key != "sk-test-123" {
		t.Errorf("APIKey = (%q, %v), want stored key", key, ok)
	}
	if got := reloaded.Language("en-US"); got != "en-GB" {
		t.Errorf("Language = %q, want en-GB", got)
	}
	if got := reloaded.Voice(); got != "daniel" {
		t.Errorf("Voice = %q, want daniel", got)
	}
	if got := reloaded.SpeechRate(1.0); got != 0.9 {
		t.Errorf("SpeechRate = %v, want 0.9", got)
	}
}

func TestFileStore_BlankKeyIsAbsent(t *testing.T) {
	t.Parallel()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := fs.SetAPIKey("   "); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if _, ok := fs.APIKey(); ok {
		t.Error("whitespace-only key must count as absent")
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(path); err == nil {
		t.Fatal("NewFileStore on corrupt file should error")
	}
}

func TestFileStore_CreatesParentDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.SetAPIKey("sk-test"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("settings file missing after save: %v", err)
	}
}
