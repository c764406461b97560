package tools

import (
	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/scratchpad"
)

// BuiltinDeps carries what the builtin tools need from the rest of the
// runtime. Nil fields skip the tools that need them.
type BuiltinDeps struct {
	// WorkspaceRoot confines the file and shell tools.
	WorkspaceRoot string

	Scratchpad scratchpad.Store
	Plans      PlanStore
	Asker      Asker
}

// RegisterBuiltins installs the built-in tool set according to config.
func RegisterBuiltins(reg *Registry, cfg config.ToolsConfig, deps BuiltinDeps) error {
	handlers := []Handler{
		&CalculatorTool{},
		NewTimeTool(),
	}
	if deps.WorkspaceRoot != "" {
		handlers = append(handlers,
			NewReadFileTool(deps.WorkspaceRoot),
			NewWriteFileTool(deps.WorkspaceRoot),
			NewEditFileTool(deps.WorkspaceRoot),
			NewListDirTool(deps.WorkspaceRoot),
		)
		if cfg.Shell.Enabled == nil || *cfg.Shell.Enabled {
			handlers = append(handlers, NewShellTool(cfg.Shell, deps.WorkspaceRoot))
		}
	}
	if deps.Scratchpad != nil {
		handlers = append(handlers, NewScratchpadTool(deps.Scratchpad))
	}
	if deps.Plans != nil {
		handlers = append(handlers, NewPlanTool(deps.Plans))
	}
	if deps.Asker != nil {
		handlers = append(handlers, NewAskUserTool(deps.Asker))
	}
	if cfg.Browser.Enabled {
		handlers = append(handlers, NewBrowserTool(cfg.Browser))
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
