package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Tracker is a durable map from artifact path to the fingerprint last seen
// for it. It decides whether an input changed since it was last processed.
// Single-process writer; entries persist across restarts.
type Tracker struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
}

// Load reads the manifest at path. A missing file starts empty; an unreadable
// or corrupt file also starts empty but logs loudly since everything will be
// reprocessed.
func Load(path string) *Tracker {
	t := &Tracker{
		path:    path,
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t
	}
	if err != nil {
		slog.Warn("manifest unreadable, reprocessing everything", "path", path, "error", err)
		return t
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		slog.Warn("manifest corrupt, reprocessing everything", "path", path, "error", err)
		t.entries = make(map[string]string)
	}
	return t
}

// ShouldProcess reports whether artifactPath is new or its content changed
// since the recorded fingerprint.
func (t *Tracker) ShouldProcess(artifactPath, fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.entries[artifactPath]
	return !ok || last != fingerprint
}

// Record upserts the entry for artifactPath and persists the manifest. Last
// write wins.
func (t *Tracker) Record(artifactPath, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[artifactPath] = fingerprint
	return t.save()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// save writes to a temp file and renames so a crash mid-write never leaves a
// half-written manifest behind. Caller holds t.mu.
func (t *Tracker) save() error {
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// FingerprintFile returns the hex SHA-256 of the file's bytes. The tracker
// itself is hash-agnostic; this is the default callers use.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
