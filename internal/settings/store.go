// Package settings persists per-user application settings, most importantly
// the remote-service credential the practice loop depends on.
//
// Settings are stored as a single JSON document in a local file. The store
// is small by design — a handful of keys, read on session start and written
// rarely — so a file is sufficient. A database-backed implementation can
// replace it behind the same interface if multi-instance deployments need
// shared settings.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/davrien/converso/internal/practice"
)

// Compile-time check that *FileStore satisfies the controller's credential
// contract.
var _ practice.CredentialSource = (*FileStore)(nil)

// document is the on-disk settings shape.
type document struct {
	// APIKey is the remote feedback-service credential.
	APIKey string `json:"api_key,omitempty"`

	// Language is the learner's practice language (BCP-47).
	Language string `json:"language,omitempty"`

	// Voice is the preferred synthesis voice identifier.
	Voice string `json:"voice,omitempty"`

	// SpeechRate is the preferred synthesis rate (0.5–2.0).
	SpeechRate float64 `json:"speech_rate,omitempty"`
}

// FileStore persists settings as a JSON document in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  document
}

// NewFileStore creates a FileStore backed by path and loads any existing
// document. A missing file is not an error — the store starts empty.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &fs.doc); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return fs, nil
}

// APIKey implements practice.CredentialSource. A blank or whitespace-only
// key counts as absent.
func (fs *FileStore) APIKey() (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := strings.TrimSpace(fs.doc.APIKey)
	return key, key != ""
}

// SetAPIKey stores the credential and persists the document.
func (fs *FileStore) SetAPIKey(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.doc.APIKey = strings.TrimSpace(key)
	return fs.saveLocked()
}

// Language returns the stored practice language, or fallback when unset.
func (fs *FileStore) Language(fallback string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.doc.Language == "" {
		return fallback
	}
	return fs.doc.Language
}

// SetLanguage stores the practice language and persists the document.
func (fs *FileStore) SetLanguage(lang string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.doc.Language = lang
	return fs.saveLocked()
}

// Voice returns the stored synthesis voice, empty when unset.
func (fs *FileStore) Voice() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.doc.Voice
}

// SetVoice stores the synthesis voice and persists the document.
func (fs *FileStore) SetVoice(voice string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.doc.Voice = voice
	return fs.saveLocked()
}

// SpeechRate returns the stored synthesis rate, or fallback when unset.
func (fs *FileStore) SpeechRate(fallback float64) float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.doc.SpeechRate == 0 {
		return fallback
	}
	return fs.doc.SpeechRate
}

// SetSpeechRate stores the synthesis rate and persists the document.
func (fs *FileStore) SetSpeechRate(rate float64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.doc.SpeechRate = rate
	return fs.saveLocked()
}

// saveLocked writes the document atomically: marshal to a temp file in the
// same directory, then rename over the target. Caller holds fs.mu.
func (fs *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(fs.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: replace %s: %w", fs.path, err)
	}
	return nil
}
