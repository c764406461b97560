package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestManagerDiscover(t *testing.T) {
	configured := t.TempDir()
	workspace := t.TempDir()

	writeSkill(t, configured, "shared", `---
name: shared
description: Configured copy
---
configured body`)
	writeSkill(t, configured, "only-configured", `---
name: only-configured
description: Lives in the configured dir
---
body`)
	writeSkill(t, filepath.Join(workspace, "skills"), "shared", `---
name: shared
description: Workspace copy
---
workspace body`)

	m := NewManager([]string{configured}, workspace, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	all := m.ListAll()
	if len(all) != 2 {
		t.Fatalf("ListAll = %d skills, want 2", len(all))
	}

	shared, ok := m.Get("shared")
	if !ok {
		t.Fatal("shared skill missing")
	}
	if shared.Source != SourceWorkspace {
		t.Errorf("workspace copy should win, got source %s", shared.Source)
	}
	if shared.Description != "Workspace copy" {
		t.Errorf("Description = %q", shared.Description)
	}

	if _, ok := m.Get("only-configured"); !ok {
		t.Error("only-configured skill missing")
	}
}

func TestManagerListEligibleGroups(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "eng-skill", `---
name: eng-skill
description: Engineering skill
group: engineering
---
body`)
	writeSkill(t, dir, "ops-skill", `---
name: ops-skill
description: Ops skill
group: ops
---
body`)
	writeSkill(t, dir, "free-skill", `---
name: free-skill
description: Ungrouped skill
---
body`)

	m := NewManager([]string{dir}, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	all := m.ListEligible()
	if len(all) != 3 {
		t.Errorf("no filter should return all 3, got %d", len(all))
	}

	eng := m.ListEligible("engineering")
	names := make(map[string]bool)
	for _, s := range eng {
		names[s.Name] = true
	}
	if !names["eng-skill"] || !names["free-skill"] || names["ops-skill"] {
		t.Errorf("engineering filter = %v", names)
	}
}

func TestManagerEligibility(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "needs-token", `---
name: needs-token
description: Needs a token
metadata:
  requires:
    env:
      - PETREL_TEST_UNSET_VAR
---
body`)

	m := NewManager([]string{dir}, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if _, ok := m.Get("needs-token"); !ok {
		t.Error("skill should be discoverable even when ineligible")
	}
	if _, ok := m.GetEligible("needs-token"); ok {
		t.Error("skill with unmet env should not be eligible")
	}
	reasons := m.IneligibleReasons()
	if _, found := reasons["needs-token"]; !found {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestManagerEnvFor(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "keyed", `---
name: keyed
description: Uses a service key
metadata:
  always: true
  primary_env: SERVICE_KEY
---
body`)

	overrides := map[string]*Override{
		"keyed": {
			APIKey: "sk-123",
			Env:    map[string]string{"REGION": "eu-west-1"},
		},
	}
	m := NewManager([]string{dir}, "", overrides, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	env := m.EnvFor("keyed")
	if env["SERVICE_KEY"] != "sk-123" {
		t.Errorf("SERVICE_KEY = %q", env["SERVICE_KEY"])
	}
	if env["REGION"] != "eu-west-1" {
		t.Errorf("REGION = %q", env["REGION"])
	}

	t.Setenv("SERVICE_KEY", "from-process")
	env = m.EnvFor("keyed")
	if _, found := env["SERVICE_KEY"]; found {
		t.Error("process env should win over override")
	}

	if env := m.EnvFor("missing"); env != nil {
		t.Errorf("unknown skill should return nil, got %v", env)
	}
}

func TestManagerOnReload(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "first", `---
name: first
description: First skill
---
body`)

	m := NewManager([]string{dir}, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fired := 0
	m.OnReload(func() { fired++ })

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if fired != 0 {
		t.Errorf("first scan should not notify, fired = %d", fired)
	}

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if fired != 1 {
		t.Errorf("second scan should notify once, fired = %d", fired)
	}
}

func TestManagerSkipsBrokenSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "good", `---
name: good
description: Parses fine
---
body`)
	writeSkill(t, dir, "broken", "no frontmatter here")

	m := NewManager([]string{dir}, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover should tolerate broken skills: %v", err)
	}
	if _, ok := m.Get("good"); !ok {
		t.Error("good skill missing")
	}
	if _, ok := m.Get("broken"); ok {
		t.Error("broken skill should be skipped")
	}
}
