// Package snapshot captures the workspace before a session's first
// destructive tool call so a failed or abandoned session can be rolled
// back. A snapshot is a copy of every non-excluded workspace file plus
// a slice of declared environment variables; commit discards it,
// rollback restores files and removes anything created since.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrelhq/petrel/internal/config"
)

const manifestName = "manifest.json"

// Snapshot is the stored metadata of one capture.
type Snapshot struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	Env       map[string]string `json:"env,omitempty"`
	Files     []FileEntry       `json:"files"`
}

// FileEntry records one captured file.
type FileEntry struct {
	Path string      `json:"path"`
	Mode os.FileMode `json:"mode"`
	Size int64       `json:"size"`
}

// NotFoundError reports a snapshot id with no stored capture.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("snapshot not found: %s", e.ID)
}

// Manager captures and restores workspace snapshots under the
// configured directory, one subdirectory per snapshot.
type Manager struct {
	cfg       config.SnapshotConfig
	workspace string
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(cfg config.SnapshotConfig, workspaceRoot string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if workspaceRoot == "" {
		return nil, fmt.Errorf("snapshot: workspace root is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create directory: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		workspace: workspaceRoot,
		logger:    logger.With("component", "snapshot"),
		now:       time.Now,
	}, nil
}

// Capture copies the workspace into a new snapshot. The copy is staged
// under a temp directory and renamed into place so a partial capture is
// never visible.
func (m *Manager) Capture(ctx context.Context, sessionID string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: m.now().UTC(),
		Env:       m.captureEnv(),
	}

	staging := filepath.Join(m.cfg.Dir, ".tmp-"+snap.ID)
	filesDir := filepath.Join(staging, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, err
	}
	cleanup := func() { os.RemoveAll(staging) }

	err := filepath.WalkDir(m.workspace, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(m.workspace, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := copyFile(p, filepath.Join(filesDir, filepath.FromSlash(rel)), info.Mode()); err != nil {
			return err
		}
		snap.Files = append(snap.Files, FileEntry{Path: rel, Mode: info.Mode(), Size: info.Size()})
		return nil
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("snapshot: capture workspace: %w", err)
	}

	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), raw, 0o644); err != nil {
		cleanup()
		return nil, err
	}
	if err := os.Rename(staging, filepath.Join(m.cfg.Dir, snap.ID)); err != nil {
		cleanup()
		return nil, err
	}

	m.logger.Info("workspace snapshot captured",
		"snapshot_id", snap.ID,
		"session_id", sessionID,
		"files", len(snap.Files))
	return snap, nil
}

// Get loads a snapshot's manifest.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(m.cfg.Dir, id, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: manifest for %s: %w", id, err)
	}
	return &snap, nil
}

// Restore rolls the workspace back to a snapshot: captured files are
// copied into place, files created since the capture are removed, and
// captured environment variables are re-exported. Excluded paths are
// untouched in both directions.
func (m *Manager) Restore(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	filesDir := filepath.Join(m.cfg.Dir, id, "files")

	captured := make(map[string]bool, len(snap.Files))
	for _, f := range snap.Files {
		captured[f.Path] = true
	}

	// Remove files that did not exist at capture time.
	var toRemove []string
	err = filepath.WalkDir(m.workspace, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.workspace, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !captured[rel] {
			toRemove = append(toRemove, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: scan workspace: %w", err)
	}
	for _, p := range toRemove {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	for _, f := range snap.Files {
		src := filepath.Join(filesDir, filepath.FromSlash(f.Path))
		dst := filepath.Join(m.workspace, filepath.FromSlash(f.Path))
		if err := copyFile(src, dst, f.Mode); err != nil {
			return nil, fmt.Errorf("snapshot: restore %s: %w", f.Path, err)
		}
	}

	for k, v := range snap.Env {
		if err := os.Setenv(k, v); err != nil {
			return nil, err
		}
	}

	m.logger.Info("workspace restored from snapshot",
		"snapshot_id", id,
		"files", len(snap.Files),
		"removed", len(toRemove))
	return snap, nil
}

// Commit discards a snapshot after a successful session. Committing a
// missing snapshot is not an error.
func (m *Manager) Commit(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(m.cfg.Dir, id))
}

// Sweep removes snapshots older than cutoff, returning how many went.
// Snapshots retained for rollback after STOPPED or ERROR sessions are
// bounded by the configured retention through this.
func (m *Manager) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".tmp-") {
			os.RemoveAll(filepath.Join(m.cfg.Dir, e.Name()))
			continue
		}
		snap, err := m.Get(ctx, e.Name())
		if err != nil {
			continue
		}
		if snap.CreatedAt.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(m.cfg.Dir, e.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) captureEnv() map[string]string {
	if len(m.cfg.EnvKeys) == 0 {
		return nil
	}
	env := make(map[string]string, len(m.cfg.EnvKeys))
	for _, key := range m.cfg.EnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// excluded matches a slash-separated relative path against the exclude
// globs. "**" spans any number of path segments; a directory pattern
// like ".git/**" also excludes the directory itself so the walk can
// skip it.
func (m *Manager) excluded(rel string, isDir bool) bool {
	for _, pattern := range m.cfg.Exclude {
		if matchGlob(pattern, rel) {
			return true
		}
		if isDir && strings.HasSuffix(pattern, "/**") && matchGlob(strings.TrimSuffix(pattern, "/**"), rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			if len(pat) == 1 {
				return len(segs) > 0
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, err := path.Match(pat[0], segs[0]); err != nil || !ok {
			return false
		}
		pat = pat[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
