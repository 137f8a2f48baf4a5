package supervise

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Record tracks one supervised node process. The start time and binary hash
// let the liveness probe reject a reused PID instead of trusting kill(0)
// alone.
type Record struct {
	NodeID     string `json:"node_id"`
	PID        int    `json:"pid"`
	StartedAt  int64  `json:"started_at"`
	StartTicks uint64 `json:"start_ticks,omitempty"`
	BinaryHash string `json:"binary_hash,omitempty"`
}

// Registry is the persisted node-id to process mapping under base_dir.
// Writes go through a temp file and rename so readers never observe a
// partial registry.
type Registry struct {
	path string
}

const registryFile = "registry.json"

func NewRegistry(baseDir string) *Registry {
	return &Registry{path: filepath.Join(baseDir, registryFile)}
}

func (r *Registry) Load() (map[string]Record, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry load failed (%s): %w", r.path, err)
	}
	records := map[string]Record{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("registry parse failed (%s): %w", r.path, err)
	}
	return records, nil
}

func (r *Registry) save(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *Registry) Put(rec Record) error {
	records, err := r.Load()
	if err != nil {
		return err
	}
	records[rec.NodeID] = rec
	return r.save(records)
}

func (r *Registry) Remove(nodeID string) error {
	records, err := r.Load()
	if err != nil {
		return err
	}
	if _, ok := records[nodeID]; !ok {
		return nil
	}
	delete(records, nodeID)
	return r.save(records)
}

func (r *Registry) Get(nodeID string) (Record, bool, error) {
	records, err := r.Load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[nodeID]
	return rec, ok, nil
}
