// Package persist stores and restores model artifacts as JSON
// checkpoints with content digests. Each artifact (projection,
// reconstruction network, classifier) is versioned independently so a
// frozen reconstruction checkpoint can be reused across classifier
// retrains.
package persist

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Checkpoint is the on-disk envelope for one saved artifact version.
type Checkpoint struct {
	Artifact  string          `json:"artifact"`
	RunID     string          `json:"run_id"`
	CreatedAt time.Time       `json:"created_at"`
	Digest    string          `json:"digest"` // BLAKE3-256 of the payload bytes
	Payload   json.RawMessage `json:"payload"`
}

// DigestMismatchError reports a checkpoint whose payload no longer
// matches its recorded digest.
type DigestMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("checkpoint %s: digest mismatch: recorded %s, computed %s", e.Path, e.Want, e.Got)
}

// Store manages checkpoints under a base directory. Layout is
// <base>/<artifact>/<run-id>.json with <base>/<artifact>/latest.json
// rewritten on every save.
type Store struct {
	basePath string
	mu       sync.Mutex
}

// NewStore opens (creating if needed) a checkpoint store.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// BasePath returns the store root.
func (s *Store) BasePath() string { return s.basePath }

// Save serializes the payload as a new version of the artifact and
// returns the written checkpoint metadata.
func (s *Store) Save(artifact string, payload any) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", artifact, err)
	}
	sum := blake3.Sum256(raw)
	cp := &Checkpoint{
		Artifact:  artifact,
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Digest:    hex.EncodeToString(sum[:]),
		Payload:   raw,
	}

	dir := filepath.Join(s.basePath, artifact)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	versioned := filepath.Join(dir, cp.RunID+".json")
	if err := os.WriteFile(versioned, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}
	// latest.json is a full copy, not a symlink, so the store survives
	// filesystems without symlink support
	if err := os.WriteFile(filepath.Join(dir, "latest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write latest checkpoint: %w", err)
	}
	return cp, nil
}

// LoadLatest restores the most recent version of the artifact into out,
// verifying the payload digest first.
func (s *Store) LoadLatest(artifact string, out any) (*Checkpoint, error) {
	return s.load(filepath.Join(s.basePath, artifact, "latest.json"), out)
}

// LoadVersion restores a specific run of the artifact.
func (s *Store) LoadVersion(artifact, runID string, out any) (*Checkpoint, error) {
	return s.load(filepath.Join(s.basePath, artifact, runID+".json"), out)
}

func (s *Store) load(path string, out any) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	sum := blake3.Sum256(cp.Payload)
	got := hex.EncodeToString(sum[:])
	if got != cp.Digest {
		return nil, &DigestMismatchError{Path: path, Want: cp.Digest, Got: got}
	}
	if out != nil {
		if err := json.Unmarshal(cp.Payload, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", cp.Artifact, err)
		}
	}
	return &cp, nil
}

// ListVersions returns the saved run IDs of an artifact sorted by
// modification time, oldest first.
func (s *Store) ListVersions(artifact string) ([]string, error) {
	dir := filepath.Join(s.basePath, artifact)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	type item struct {
		id  string
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "latest.json" || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: name[:len(name)-len(".json")], mod: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mod.Before(items[j].mod) })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out, nil
}
