package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func marshalInput(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return raw
}

func TestReadFileTool(t *testing.T) {
	root := t.TempDir()
	content := "line one\nline two\nline three\nline four\n"
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadFileTool(root)

	res, err := tool.Execute(context.Background(), &Call{Input: marshalInput(t, map[string]any{"path": "notes.txt"})})
	if err != nil || res.IsError {
		t.Fatalf("read: err=%v res=%+v", err, res)
	}
	if res.Content != content {
		t.Errorf("content = %q", res.Content)
	}

	res, err = tool.Execute(context.Background(), &Call{Input: marshalInput(t, map[string]any{"path": "notes.txt", "offset": 2, "limit": 2})})
	if err != nil || res.IsError {
		t.Fatalf("ranged read: err=%v res=%+v", err, res)
	}
	if res.Content != "line two\nline three" {
		t.Errorf("ranged content = %q", res.Content)
	}

	res, err = tool.Execute(context.Background(), &Call{Input: marshalInput(t, map[string]any{"path": "missing.txt"})})
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Errorf("missing file result = %+v", res)
	}
}

func TestFileToolsConfineToWorkspace(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("keep out"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []string{
		"../escape.txt",
		"a/../../escape.txt",
		outside,
	}
	tool := NewReadFileTool(root)
	for _, path := range cases {
		res, err := tool.Execute(context.Background(), &Call{Input: marshalInput(t, map[string]any{"path": path})})
		if err != nil {
			t.Fatalf("Execute(%q): %v", path, err)
		}
		if !res.IsError || !strings.Contains(res.Content, "outside the workspace") {
			t.Errorf("path %q was not rejected: %+v", path, res)
		}
	}

	writer := NewWriteFileTool(root)
	res, err := writer.Execute(context.Background(), &Call{Input: marshalInput(t, map[string]any{"path": "../evil.txt", "content": "x"})})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Errorf("write outside workspace succeeded: %+v", res)
	}
}

func TestWriteAndEditFileTools(t *testing.T) {
	root := t.TempDir()
	writer := NewWriteFileTool(root)
	editor := NewEditFileTool(root)

	res, err := writer.Execute(context.Background(), &Call{
		Input: marshalInput(t, map[string]any{"path": "sub/dir/app.txt", "content": "hello old world"}),
	})
	if err != nil || res.IsError {
		t.Fatalf("write: err=%v res=%+v", err, res)
	}
	data, err := os.ReadFile(filepath.Join(root, "sub", "dir", "app.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello old world" {
		t.Errorf("written content = %q", data)
	}

	res, err = editor.Execute(context.Background(), &Call{
		Input: marshalInput(t, map[string]any{"path": "sub/dir/app.txt", "old": "old", "new": "new"}),
	})
	if err != nil || res.IsError {
		t.Fatalf("edit: err=%v res=%+v", err, res)
	}
	data, _ = os.ReadFile(filepath.Join(root, "sub", "dir", "app.txt"))
	if string(data) != "hello new world" {
		t.Errorf("edited content = %q", data)
	}

	res, err = editor.Execute(context.Background(), &Call{
		Input: marshalInput(t, map[string]any{"path": "sub/dir/app.txt", "old": "absent", "new": "x"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Errorf("edit of missing text succeeded: %+v", res)
	}
}

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "dup.txt"), []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	editor := NewEditFileTool(root)
	res, err := editor.Execute(context.Background(), &Call{
		Input: marshalInput(t, map[string]any{"path": "dup.txt", "old": "aaa", "new": "ccc"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "more than once") {
		t.Errorf("ambiguous edit result = %+v", res)
	}
}

func TestListDirTool(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"main.go", "readme.md"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tool := NewListDirTool(root)
	res, err := tool.Execute(context.Background(), &Call{Input: marshalInput(t, map[string]any{})})
	if err != nil || res.IsError {
		t.Fatalf("list: err=%v res=%+v", err, res)
	}
	if res.Content != "main.go\npkg/\nreadme.md" {
		t.Errorf("listing = %q", res.Content)
	}
}
