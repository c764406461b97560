package scratchpad

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LocalStore keeps blobs on the local filesystem, sharded by the first two
// hash chars so one directory never collects every entry.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a filesystem-backed store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create scratchpad directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) pathFor(hash string) string {
	return filepath.Join(s.basePath, hash[:2], hash)
}

// Write persists content under its hash. Write to a temp file then rename,
// so a crash never leaves a partial blob behind a valid reference.
func (s *LocalStore) Write(_ context.Context, content []byte) (string, error) {
	ref := Ref(content)
	hash, _ := ParseRef(ref)
	dest := s.pathFor(hash)

	if _, err := os.Stat(dest); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), hash+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return ref, nil
}

// Read resolves a reference to the stored content.
func (s *LocalStore) Read(_ context.Context, ref string) ([]byte, error) {
	hash, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes one entry.
func (s *LocalStore) Delete(_ context.Context, ref string) error {
	hash, err := ParseRef(ref)
	if err != nil {
		return err
	}
	err = os.Remove(s.pathFor(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Sweep removes blobs whose modification time predates cutoff.
func (s *LocalStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *LocalStore) Close() error { return nil }
