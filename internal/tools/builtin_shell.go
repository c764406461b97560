package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

var shellSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "Shell command to run"},
		"cwd": {"type": "string", "description": "Working directory, relative to the workspace root"}
	},
	"required": ["command"]
}`)

// ShellTool runs a command under sh -c inside the workspace. Output is
// capped; exit status is reported in the result rather than as a tool
// failure so the model can react to failing commands.
type ShellTool struct {
	cfg config.ShellConfig
	ws  *workspace
}

func NewShellTool(cfg config.ShellConfig, root string) *ShellTool {
	return &ShellTool{cfg: cfg, ws: &workspace{root: root}}
}

func (t *ShellTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "shell",
		Kind:        models.KindTool,
		Description: "Run a shell command in the workspace and return its output.",
		Level:       2,
		Tags:        []string{"shell", "coding"},
		InputSchema: shellSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
		OSFilter:    []string{"linux", "darwin"},
		Destructive: true,
	}
}

func (t *ShellTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "shell", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return &Result{Content: "command is empty", IsError: true}, nil
	}

	dir := t.ws.root
	if args.Cwd != "" {
		resolved, err := t.ws.resolve(args.Cwd)
		if err != nil {
			return &Result{Content: err.Error(), IsError: true}, nil
		}
		dir = resolved
	}

	runCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", args.Command)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), call.Env)

	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &out, max: t.cfg.MaxOutputBytes}
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, newToolError(ErrTimeout, "shell", fmt.Errorf("command exceeded %s", t.cfg.Timeout))
	}

	content := out.String()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &Result{
			Content: fmt.Sprintf("%s\n[exit status %d]", content, exitErr.ExitCode()),
			IsError: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if content == "" {
		content = "[no output]"
	}
	return &Result{Content: content}, nil
}

// mergeEnv layers overrides onto a base environment, overrides winning.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// limitedWriter keeps the first max bytes and silently drops the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.max > 0 {
		remaining := w.max - w.buf.Len()
		if remaining <= 0 {
			return n, nil
		}
		if len(p) > remaining {
			p = p[:remaining]
		}
	}
	w.buf.Write(p)
	return n, nil
}
