package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

const maxReadBytes = 512 * 1024

// workspace confines file tools to a root directory. Every path in a
// call is resolved relative to the root and rejected if it escapes.
type workspace struct {
	root string
}

func (w *workspace) resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", raw)
	}
	return path, nil
}

var readFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the workspace root"},
		"offset": {"type": "integer", "description": "First line to return, 1-based"},
		"limit": {"type": "integer", "description": "Maximum number of lines to return"}
	},
	"required": ["path"]
}`)

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	ws *workspace
}

func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{ws: &workspace{root: root}}
}

func (t *ReadFileTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "read_file",
		Kind:        models.KindTool,
		Description: "Read a file from the workspace, optionally a line range.",
		Level:       1,
		Tags:        []string{"files"},
		InputSchema: readFileSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "read_file", err)
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{Content: fmt.Sprintf("file not found: %s", args.Path), IsError: true}, nil
		}
		return nil, err
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	content := string(data)
	if args.Offset > 0 || args.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := args.Offset - 1
		if start < 0 {
			start = 0
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if args.Limit > 0 && start+args.Limit < end {
			end = start + args.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return &Result{Content: content}, nil
}

var writeFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the workspace root"},
		"content": {"type": "string", "description": "Full file content to write"}
	},
	"required": ["path", "content"]
}`)

// WriteFileTool creates or overwrites a workspace file.
type WriteFileTool struct {
	ws *workspace
}

func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{ws: &workspace{root: root}}
}

func (t *WriteFileTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "write_file",
		Kind:        models.KindTool,
		Description: "Create or overwrite a file in the workspace.",
		Level:       2,
		Tags:        []string{"files"},
		InputSchema: writeFileSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
		Destructive: true,
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "write_file", err)
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, err
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}, nil
}

var editFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path, relative to the workspace root"},
		"old": {"type": "string", "description": "Exact text to replace; must occur exactly once"},
		"new": {"type": "string", "description": "Replacement text"}
	},
	"required": ["path", "old", "new"]
}`)

// EditFileTool replaces one occurrence of a string in a workspace file.
type EditFileTool struct {
	ws *workspace
}

func NewEditFileTool(root string) *EditFileTool {
	return &EditFileTool{ws: &workspace{root: root}}
}

func (t *EditFileTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "edit_file",
		Kind:        models.KindTool,
		Description: "Replace an exact string in a workspace file. The old text must occur exactly once.",
		Level:       2,
		Tags:        []string{"files"},
		InputSchema: editFileSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
		Destructive: true,
	}
}

func (t *EditFileTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Path string `json:"path"`
		Old  string `json:"old"`
		New  string `json:"new"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "edit_file", err)
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{Content: fmt.Sprintf("file not found: %s", args.Path), IsError: true}, nil
		}
		return nil, err
	}
	content := string(data)
	switch strings.Count(content, args.Old) {
	case 0:
		return &Result{Content: "old text not found in file", IsError: true}, nil
	case 1:
	default:
		return &Result{Content: "old text occurs more than once; provide more context", IsError: true}, nil
	}
	updated := strings.Replace(content, args.Old, args.New, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, err
	}
	return &Result{Content: fmt.Sprintf("edited %s", args.Path)}, nil
}

var listDirSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Directory path, relative to the workspace root. Defaults to the root."}
	}
}`)

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	ws *workspace
}

func NewListDirTool(root string) *ListDirTool {
	return &ListDirTool{ws: &workspace{root: root}}
}

func (t *ListDirTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "list_dir",
		Kind:        models.KindTool,
		Description: "List the entries of a workspace directory.",
		Level:       2,
		Tags:        []string{"files"},
		InputSchema: listDirSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *ListDirTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Path string `json:"path"`
	}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return nil, newToolError(ErrValidation, "list_dir", err)
		}
	}
	if args.Path == "" {
		args.Path = "."
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{Content: fmt.Sprintf("directory not found: %s", args.Path), IsError: true}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{Content: strings.Join(names, "\n")}, nil
}
