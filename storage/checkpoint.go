package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ManifestVersion is the current checkpoint manifest format version. Restore
// rejects manifests written by a different format as corrupt rather than
// guessing.
const ManifestVersion = 1

// Manifest is the durable record of one checkpoint: the step counter as of
// the end of the checkpointed step's commit phase plus the entry count of
// every spine. The manifest is written last, so its presence marks the
// checkpoint complete; a crash mid-checkpoint leaves no manifest and the
// partial copy is invisible to Restore.
type Manifest struct {
	FormatVersion int              `json:"format_version"`
	ID            string           `json:"id"`
	Step          uint64           `json:"step"`
	CreatedAt     time.Time        `json:"created_at"`
	Spines        map[string]int64 `json:"spines"`
}

func manifestKey(id string) string {
	return "ckpt/" + id + "/MANIFEST"
}

func checkpointPrefix(id, pid string) string {
	return "ckpt/" + id + "/" + SpinePrefix(pid)
}

// WriteCheckpoint snapshots the live spines of the given persistent ids under
// the checkpoint id and records the manifest. Must be called at a step
// boundary, after every spine's Commit, so the snapshot is consistent.
//
// Reusing an id replaces the previous checkpoint: the old snapshot is cleared
// (manifest first, so a crash mid-rewrite leaves no valid checkpoint) before
// the new copy starts. Without the clear, entries deleted since the previous
// checkpoint would linger in the snapshot and resurface on restore.
func WriteCheckpoint(store ObjectStore, id string, step uint64, pids []string) (*Manifest, error) {
	if err := DeleteCheckpoint(store, id); err != nil {
		return nil, fmt.Errorf("checkpoint %s: clear previous: %w", id, err)
	}

	manifest := &Manifest{
		FormatVersion: ManifestVersion,
		ID:            id,
		Step:          step,
		CreatedAt:     time.Now().UTC(),
		Spines:        make(map[string]int64, len(pids)),
	}

	for _, pid := range pids {
		live := SpinePrefix(pid)
		snap := checkpointPrefix(id, pid)
		var count int64
		err := store.Scan(live, func(key string, val []byte) error {
			return store.Put(snap+key[len(live):], val)
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: copy spine %s: %w", id, pid, err)
		}
		keys, err := store.List(snap)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: count spine %s: %w", id, pid, err)
		}
		count = int64(len(keys))
		manifest.Spines[pid] = count
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: encode manifest: %w", id, err)
	}
	if err := store.Put(manifestKey(id), data); err != nil {
		return nil, fmt.Errorf("checkpoint %s: write manifest: %w", id, err)
	}
	return manifest, nil
}

// LoadManifest reads and validates a checkpoint manifest. A missing manifest
// is ErrNotFound; an undecodable or version-mismatched one is ErrCorrupt.
func LoadManifest(store ObjectStore, id string) (*Manifest, error) {
	data, err := store.Get(manifestKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("checkpoint %s: read manifest: %w", id, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s manifest: %v", ErrCorrupt, id, err)
	}
	if manifest.FormatVersion != ManifestVersion {
		return nil, fmt.Errorf("%w: checkpoint %s manifest format %d, want %d",
			ErrCorrupt, id, manifest.FormatVersion, ManifestVersion)
	}
	return &manifest, nil
}

// RestoreCheckpoint replaces the live spine state with the checkpointed
// snapshot and returns its manifest. Every spine named in the manifest is
// verified against its recorded entry count; a mismatch is ErrCorrupt.
func RestoreCheckpoint(store ObjectStore, id string) (*Manifest, error) {
	manifest, err := LoadManifest(store, id)
	if err != nil {
		return nil, err
	}

	// Clear live state first so entries deleted after the checkpoint do not
	// survive the restore.
	liveKeys, err := store.List("spine/")
	if err != nil {
		return nil, fmt.Errorf("restore %s: list live spines: %w", id, err)
	}
	for _, key := range liveKeys {
		if err := store.Delete(key); err != nil {
			return nil, fmt.Errorf("restore %s: clear live spines: %w", id, err)
		}
	}

	pids := make([]string, 0, len(manifest.Spines))
	for pid := range manifest.Spines {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	for _, pid := range pids {
		snap := checkpointPrefix(id, pid)
		live := SpinePrefix(pid)
		err := store.Scan(snap, func(key string, val []byte) error {
			return store.Put(live+key[len(snap):], val)
		})
		if err != nil {
			return nil, fmt.Errorf("restore %s: spine %s: %w", id, pid, err)
		}
		keys, err := store.List(snap)
		if err != nil {
			return nil, fmt.Errorf("restore %s: count spine %s: %w", id, pid, err)
		}
		if count := int64(len(keys)); count != manifest.Spines[pid] {
			return nil, fmt.Errorf("%w: checkpoint %s spine %s has %d entries, manifest says %d",
				ErrCorrupt, id, pid, count, manifest.Spines[pid])
		}
	}
	return manifest, nil
}

// ListCheckpoints returns the ids of all complete checkpoints in the store.
func ListCheckpoints(store ObjectStore) ([]string, error) {
	keys, err := store.List("ckpt/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "ckpt/")
		if idx := strings.Index(rest, "/"); idx >= 0 && rest[idx+1:] == "MANIFEST" {
			ids = append(ids, rest[:idx])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteCheckpoint removes a checkpoint. The manifest is deleted first so a
// partially deleted checkpoint is never mistaken for a complete one.
func DeleteCheckpoint(store ObjectStore, id string) error {
	if err := store.Delete(manifestKey(id)); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	keys, err := store.List("ckpt/" + id + "/")
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	for _, key := range keys {
		if err := store.Delete(key); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", id, err)
		}
	}
	return nil
}
