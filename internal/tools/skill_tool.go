package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/petrelhq/petrel/internal/skills"
	"github.com/petrelhq/petrel/pkg/models"
)

const defaultSkillTimeout = 60 * time.Second

// SkillTool adapts a skill-declared tool spec into a handler. The tool
// runs as a subprocess in the skill directory with the skill's
// environment layered over the process environment; input arrives on
// stdin and in PETREL_TOOL_INPUT.
type SkillTool struct {
	skill   *skills.Skill
	spec    skills.ToolSpec
	manager *skills.Manager
	maxOut  int
}

func NewSkillTool(skill *skills.Skill, spec skills.ToolSpec, manager *skills.Manager, maxOutputBytes int) *SkillTool {
	return &SkillTool{skill: skill, spec: spec, manager: manager, maxOut: maxOutputBytes}
}

func (t *SkillTool) Capability() *models.Capability {
	var schema json.RawMessage
	if len(t.spec.Schema) > 0 {
		if raw, err := json.Marshal(t.spec.Schema); err == nil {
			schema = raw
		}
	}
	tags := []string{t.skill.Name}
	if t.skill.Group != "" {
		tags = append(tags, t.skill.Group)
	}
	return &models.Capability{
		Name:        t.spec.Name,
		Kind:        models.KindTool,
		Description: t.spec.Description,
		Level:       2,
		Tags:        tags,
		InputSchema: schema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *SkillTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	timeout := defaultSkillTimeout
	if t.spec.TimeoutSeconds > 0 {
		timeout = time.Duration(t.spec.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch {
	case t.spec.Command != "":
		cmd = exec.CommandContext(runCtx, "sh", "-c", t.spec.Command)
	case t.spec.Script != "":
		script := t.spec.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(t.skill.Path, script)
		}
		cmd = exec.CommandContext(runCtx, script)
	default:
		return nil, fmt.Errorf("skill tool %s declares neither command nor script", t.spec.Name)
	}

	cmd.Dir = t.skill.Path
	if t.spec.WorkingDir != "" {
		dir := t.spec.WorkingDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(t.skill.Path, dir)
		}
		cmd.Dir = dir
	}

	input := string(call.Input)
	if input == "" {
		input = "{}"
	}
	env := map[string]string{}
	for k, v := range t.manager.EnvFor(t.skill.Name) {
		env[k] = v
	}
	for k, v := range call.Env {
		env[k] = v
	}
	env["PETREL_TOOL_INPUT"] = input
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdin = bytes.NewReader([]byte(input))

	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &out, max: t.maxOut}
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, newToolError(ErrTimeout, t.spec.Name, fmt.Errorf("skill tool exceeded %s", timeout))
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
	return &Result{Content: content}, nil
}

// RegisterSkillTools installs handlers for every tool declared by
// eligible skills and refreshes the approval policy's skill allowlist.
// Called after skill discovery and again on reload.
func RegisterSkillTools(reg *Registry, manager *skills.Manager, policy *Policy, maxOutputBytes int) error {
	var names []string
	for _, skill := range manager.ListEligible() {
		if skill.Metadata == nil {
			continue
		}
		for _, spec := range skill.Metadata.Tools {
			if spec.Name == "" {
				continue
			}
			if err := reg.Register(NewSkillTool(skill, spec, manager, maxOutputBytes)); err != nil {
				return fmt.Errorf("register skill tool %s: %w", spec.Name, err)
			}
			names = append(names, spec.Name)
		}
	}
	if policy != nil {
		policy.SetSkillTools(names)
	}
	return nil
}
