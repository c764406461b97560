package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/config"
)

func newTestManager(t *testing.T, cfg config.SnapshotConfig) (*Manager, string) {
	t.Helper()
	workspace := t.TempDir()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := NewManager(cfg, workspace, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, workspace
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data), true
}

func TestCaptureAndRestore(t *testing.T) {
	m, workspace := newTestManager(t, config.SnapshotConfig{})
	ctx := context.Background()

	writeFile(t, workspace, "main.go", "package main")
	writeFile(t, workspace, "docs/readme.md", "original docs")

	snap, err := m.Capture(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if snap.ID == "" || len(snap.Files) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Mutate the workspace: edit, delete, create.
	writeFile(t, workspace, "main.go", "package broken")
	if err := os.Remove(filepath.Join(workspace, "docs", "readme.md")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, workspace, "junk.tmp", "new since capture")

	if _, err := m.Restore(ctx, snap.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got, _ := readFile(t, workspace, "main.go"); got != "package main" {
		t.Errorf("main.go = %q", got)
	}
	if got, ok := readFile(t, workspace, "docs/readme.md"); !ok || got != "original docs" {
		t.Errorf("readme.md = %q ok=%v", got, ok)
	}
	if _, ok := readFile(t, workspace, "junk.tmp"); ok {
		t.Error("file created after capture survived rollback")
	}
}

func TestCaptureHonorsExcludes(t *testing.T) {
	m, workspace := newTestManager(t, config.SnapshotConfig{
		Exclude: []string{".git/**", "node_modules/**", "**/*.log"},
	})
	ctx := context.Background()

	writeFile(t, workspace, "app.go", "package app")
	writeFile(t, workspace, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, workspace, "node_modules/pkg/index.js", "module.exports = {}")
	writeFile(t, workspace, "build/output.log", "noise")

	snap, err := m.Capture(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(snap.Files) != 1 || snap.Files[0].Path != "app.go" {
		t.Fatalf("files = %+v, want app.go only", snap.Files)
	}

	// Excluded paths survive rollback untouched in both directions.
	writeFile(t, workspace, ".git/HEAD", "ref: refs/heads/feature")
	if _, err := m.Restore(ctx, snap.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got, _ := readFile(t, workspace, ".git/HEAD"); got != "ref: refs/heads/feature" {
		t.Errorf(".git/HEAD = %q, excluded path was touched", got)
	}
}

func TestRestoreEnvSlice(t *testing.T) {
	m, workspace := newTestManager(t, config.SnapshotConfig{
		EnvKeys: []string{"PETREL_SNAP_TEST"},
	})
	ctx := context.Background()
	writeFile(t, workspace, "f.txt", "x")

	t.Setenv("PETREL_SNAP_TEST", "before")
	snap, err := m.Capture(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if snap.Env["PETREL_SNAP_TEST"] != "before" {
		t.Fatalf("env = %v", snap.Env)
	}

	t.Setenv("PETREL_SNAP_TEST", "mutated")
	if _, err := m.Restore(ctx, snap.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := os.Getenv("PETREL_SNAP_TEST"); got != "before" {
		t.Errorf("env after restore = %q", got)
	}
}

func TestCommitDiscards(t *testing.T) {
	m, workspace := newTestManager(t, config.SnapshotConfig{})
	ctx := context.Background()
	writeFile(t, workspace, "f.txt", "x")

	snap, err := m.Capture(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := m.Commit(ctx, snap.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	var notFound *NotFoundError
	if _, err := m.Get(ctx, snap.ID); !errors.As(err, &notFound) {
		t.Errorf("Get after commit = %v, want NotFoundError", err)
	}
	// Committing again is a no-op.
	if err := m.Commit(ctx, snap.ID); err != nil {
		t.Errorf("second Commit: %v", err)
	}
}

func TestSweepRemovesOldSnapshots(t *testing.T) {
	m, workspace := newTestManager(t, config.SnapshotConfig{})
	ctx := context.Background()
	writeFile(t, workspace, "f.txt", "x")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	old, err := m.Capture(ctx, "sess-old")
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return base.Add(96 * time.Hour) }
	fresh, err := m.Capture(ctx, "sess-fresh")
	if err != nil {
		t.Fatal(err)
	}

	removed, err := m.Sweep(ctx, base.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	var notFound *NotFoundError
	if _, err := m.Get(ctx, old.ID); !errors.As(err, &notFound) {
		t.Errorf("old snapshot survived sweep: %v", err)
	}
	if _, err := m.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh snapshot swept: %v", err)
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, rel string
		want         bool
	}{
		{".git/**", ".git/HEAD", true},
		{".git/**", ".git/objects/ab/cd", true},
		{".git/**", "src/.git-notes", false},
		{"**/*.log", "a.log", true},
		{"**/*.log", "deep/nested/b.log", true},
		{"**/*.log", "a.log.txt", false},
		{"node_modules/**", "node_modules", false},
		{"*.tmp", "x.tmp", true},
		{"*.tmp", "dir/x.tmp", false},
	}
	for _, tc := range cases {
		if got := matchGlob(tc.pattern, tc.rel); got != tc.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.rel, got, tc.want)
		}
	}
}
