package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/baton-sh/conductor/pkg/types"
)

const identityFile = "identity.json"

// identityStore persists the single worker-id record an agent keeps
// between restarts. A missing or unreadable record is never fatal; it
// only costs one extra registration round trip.
type identityStore struct {
	path string
}

func newIdentityStore(dataDir string) *identityStore {
	return &identityStore{path: filepath.Join(dataDir, identityFile)}
}

// Load returns the persisted identity, or nil when none is usable
func (s *identityStore) Load() *types.AgentIdentity {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}

	var id types.AgentIdentity
	if err := json.Unmarshal(data, &id); err != nil || id.WorkerID == "" {
		return nil
	}
	return &id
}

// Save writes the identity record, replacing any previous one
func (s *identityStore) Save(workerID string) error {
	id := types.AgentIdentity{
		WorkerID: workerID,
		StoredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}

// Discard removes the persisted identity. Missing files are fine.
func (s *identityStore) Discard() {
	os.Remove(s.path)
}
