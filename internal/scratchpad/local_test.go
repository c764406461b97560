package scratchpad

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRefRoundTrip(t *testing.T) {
	ref := Ref([]byte("hello"))
	if !strings.HasPrefix(ref, RefPrefix) {
		t.Fatalf("ref %q missing prefix", ref)
	}
	hash, err := ParseRef(ref)
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(hash))
	}
}

func TestParseRefRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"abcdef",
		"sha256:short",
		"sha256:" + strings.Repeat("z", 64),
		"md5:" + strings.Repeat("a", 64),
	}
	for _, ref := range cases {
		if _, err := ParseRef(ref); err == nil {
			t.Errorf("ParseRef(%q) succeeded, want error", ref)
		}
	}
}

func TestLocalStoreWriteRead(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	content := []byte("full tool output with many lines\nline two\n")
	ref, err := store.Write(ctx, content)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(ctx, ref)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Read = %q, want %q", got, content)
	}
}

func TestLocalStoreWriteIsIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	ref1, err := store.Write(ctx, []byte("same content"))
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	ref2, err := store.Write(ctx, []byte("same content"))
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ: %q vs %q", ref1, ref2)
	}
}

func TestLocalStoreReadMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	ref := Ref([]byte("never written"))
	_, err = store.Read(context.Background(), ref)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Read error = %v, want NotFoundError", err)
	}
	if notFound.Ref != ref {
		t.Fatalf("NotFoundError.Ref = %q, want %q", notFound.Ref, ref)
	}
}

func TestLocalStoreDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Write(ctx, []byte("doomed"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Read(ctx, ref); err == nil {
		t.Fatal("Read after Delete succeeded")
	}
	// Deleting again is fine.
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalStoreSweep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	oldRef, err := store.Write(ctx, []byte("old entry"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	newRef, err := store.Write(ctx, []byte("new entry"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Age the first blob past the cutoff.
	oldHash, _ := ParseRef(oldRef)
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, oldHash[:2], oldHash), past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := store.Sweep(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, err := store.Read(ctx, oldRef); err == nil {
		t.Fatal("old entry survived sweep")
	}
	if _, err := store.Read(ctx, newRef); err != nil {
		t.Fatalf("new entry lost: %v", err)
	}
}
