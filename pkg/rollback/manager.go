// Package rollback captures pre-execution snapshots for reversible actions
// and produces idempotent rollback callables.
//
// Snapshot content is capability-specific. For fs.write the snapshot holds
// the byte-exact prior file content (or the fact that the file did not
// exist); git.commit and memory.write store structural notes whose actual
// reversal is delegated to git or the memory manager; unknown capabilities
// store the raw caller kwargs for caller-defined rollback semantics.
package rollback

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// Snapshot data keys for fs.write captures.
const (
	dataKeyExisted = "existed"
	dataKeyContent = "content" // base64 of prior bytes
	dataKeyMode    = "mode"    // prior permission bits
	dataKeyPath    = "path"
)

// Manager owns the snapshot map for a process. Snapshots are keyed by
// unique ID and safe for concurrent creation; marking one rolled back is
// atomic per entry.
type Manager struct {
	mu        sync.Mutex
	snapshots map[string]*contracts.RollbackSnapshot
	clock     func() time.Time
	logger    *slog.Logger
}

// NewManager creates an empty rollback manager.
func NewManager() *Manager {
	return &Manager{
		snapshots: make(map[string]*contracts.RollbackSnapshot),
		clock:     time.Now,
		logger:    slog.Default().With("component", "rollback"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateSnapshot captures pre-execution state for one step. extra carries
// caller-supplied, capability-specific fields and is stored alongside the
// built-in capture.
func (m *Manager) CreateSnapshot(taskID string, stepIndex int, capability, target string, extra map[string]any) (*contracts.RollbackSnapshot, error) {
	snap := &contracts.RollbackSnapshot{
		SnapshotID: uuid.New().String(),
		TaskID:     taskID,
		StepIndex:  stepIndex,
		Capability: capability,
		Target:     target,
		CreatedAt:  m.clock().UTC(),
		Data:       make(map[string]any),
	}
	for k, v := range extra {
		snap.Data[k] = v
	}

	switch capability {
	case "fs.write", "fs.append":
		if target == "" {
			return nil, fmt.Errorf("rollback: %s snapshot requires a target path", capability)
		}
		if err := captureFile(snap, target); err != nil {
			return nil, err
		}
	case "git.commit":
		snap.Data["note"] = "revert via git revert of the recorded ref"
	case "memory.write":
		snap.Data["note"] = "prior value restored by the memory manager"
	default:
		// Raw kwargs only; rollback semantics are the caller's.
	}

	m.mu.Lock()
	m.snapshots[snap.SnapshotID] = snap
	m.mu.Unlock()
	return snap, nil
}

func captureFile(snap *contracts.RollbackSnapshot, path string) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		snap.Data[dataKeyExisted] = false
		snap.Data[dataKeyPath] = path
		return nil
	case err != nil:
		return fmt.Errorf("rollback: stat %s: %w", path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rollback: read %s: %w", path, err)
	}
	snap.Data[dataKeyExisted] = true
	snap.Data[dataKeyPath] = path
	snap.Data[dataKeyContent] = base64.StdEncoding.EncodeToString(content)
	snap.Data[dataKeyMode] = uint32(info.Mode().Perm())
	return nil
}

// Get returns a snapshot by ID.
func (m *Manager) Get(snapshotID string) (*contracts.RollbackSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[snapshotID]
	return snap, ok
}

// RollbackAction returns an idempotent callable restoring the snapshot's
// prior state. For an unknown snapshot ID, and for every invocation after
// the first, the callable is a guaranteed no-op: no error, no state
// change, no file I/O. Rollback must be safe to call speculatively.
func (m *Manager) RollbackAction(snapshotID string) func() error {
	return func() error {
		m.mu.Lock()
		snap, ok := m.snapshots[snapshotID]
		if !ok || snap.RolledBack {
			m.mu.Unlock()
			return nil
		}
		// Claim the transition before doing I/O so a concurrent caller
		// observes the one-way flip immediately.
		snap.RolledBack = true
		now := m.clock().UTC()
		snap.RolledBackAt = &now
		m.mu.Unlock()

		if err := m.restore(snap); err != nil {
			m.logger.Error("rollback restore failed",
				"snapshot_id", snap.SnapshotID,
				"capability", snap.Capability,
				"error", err)
			return err
		}
		m.logger.Info("rolled back",
			"snapshot_id", snap.SnapshotID,
			"capability", snap.Capability,
			"target", snap.Target)
		return nil
	}
}

func (m *Manager) restore(snap *contracts.RollbackSnapshot) error {
	switch snap.Capability {
	case "fs.write", "fs.append":
		return restoreFile(snap)
	default:
		// Structural snapshots (git.commit, memory.write, unknown
		// capabilities) are reverted by their owning subsystem; marking
		// the snapshot rolled back is all the manager does.
		return nil
	}
}

func restoreFile(snap *contracts.RollbackSnapshot) error {
	path, _ := snap.Data[dataKeyPath].(string)
	if path == "" {
		path = snap.Target
	}

	existed, _ := snap.Data[dataKeyExisted].(bool)
	if !existed {
		// The file was created by the action: remove it. A missing file
		// means the action never wrote it, which is already the prior
		// state.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rollback: remove %s: %w", path, err)
		}
		return nil
	}

	encoded, _ := snap.Data[dataKeyContent].(string)
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("rollback: decode snapshot content for %s: %w", path, err)
	}
	mode := fs.FileMode(0o644)
	switch v := snap.Data[dataKeyMode].(type) {
	case uint32:
		mode = fs.FileMode(v)
	case float64: // after a JSON round-trip
		mode = fs.FileMode(uint32(v))
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("rollback: restore %s: %w", path, err)
	}
	return nil
}

// Count returns the number of tracked snapshots.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
