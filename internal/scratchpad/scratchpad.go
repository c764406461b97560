// Package scratchpad stores full tool outputs that were compressed out of
// the prompt. Content is addressed by its SHA-256, so writing the same
// output twice yields the same reference and nothing is duplicated. The
// read_scratchpad tool resolves references back to full content.
package scratchpad

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RefPrefix marks scratchpad references embedded in compressed results.
const RefPrefix = "sha256:"

// Store persists and retrieves content-addressed blobs.
type Store interface {
	// Write persists content and returns its reference. Writing content
	// that is already stored is a no-op returning the same reference.
	Write(ctx context.Context, content []byte) (string, error)

	// Read resolves a reference to the full content.
	Read(ctx context.Context, ref string) ([]byte, error)

	// Delete removes one entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, ref string) error

	// Sweep removes entries older than cutoff, returning how many went.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Ref computes the reference for content without storing it.
func Ref(content []byte) string {
	sum := sha256.Sum256(content)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// ParseRef validates a reference and returns the bare hash.
func ParseRef(ref string) (string, error) {
	hash, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return "", fmt.Errorf("scratchpad ref %q: missing %q prefix", ref, RefPrefix)
	}
	if len(hash) != sha256.Size*2 {
		return "", fmt.Errorf("scratchpad ref %q: hash must be %d hex chars", ref, sha256.Size*2)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("scratchpad ref %q: %w", ref, err)
	}
	return hash, nil
}

// NotFoundError reports a reference with no stored content, typically one
// already removed by the retention sweeper.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("scratchpad entry not found: %s", e.Ref)
}
