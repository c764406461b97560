package contextpipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// maxRecentErrors caps how many failed invocations the error injector
// renders.
const maxRecentErrors = 5

// PersonaInjector renders the agent persona as the first system fragment.
type PersonaInjector struct {
	Budget int
}

func (p *PersonaInjector) Descriptor() Descriptor {
	return Descriptor{Name: "persona", Phase: PhaseSystem, Priority: 10, TokenBudget: p.Budget, CacheClass: CacheStable}
}

func (p *PersonaInjector) Inject(_ context.Context, in *Input) (string, error) {
	return strings.TrimSpace(in.Persona), nil
}

// ToolCatalogInjector renders the stable tool definition section.
type ToolCatalogInjector struct {
	Budget int
}

func (t *ToolCatalogInjector) Descriptor() Descriptor {
	return Descriptor{Name: "tools", Phase: PhaseSystem, Priority: 20, TokenBudget: t.Budget, CacheClass: CacheStable}
}

func (t *ToolCatalogInjector) Inject(_ context.Context, in *Input) (string, error) {
	return RenderToolCatalog(in.Tools), nil
}

// SkillInstructionsInjector renders active skill instructions.
type SkillInstructionsInjector struct {
	Budget int
}

func (s *SkillInstructionsInjector) Descriptor() Descriptor {
	return Descriptor{Name: "skills", Phase: PhaseSystem, Priority: 30, TokenBudget: s.Budget, CacheClass: CacheStable}
}

func (s *SkillInstructionsInjector) Inject(_ context.Context, in *Input) (string, error) {
	return RenderSkillInstructions(in.Skills), nil
}

// SourceInjector adapts a retrieval source into a phase 2 fragment. The
// memory, knowledge and playbook injectors are all instances of it; the
// sources live in internal/memory and internal/playbook.
type SourceInjector struct {
	Name     string
	Priority int
	Budget   int
	Source   SourceFunc

	// SkipOnNoMemory honors the intent analyzer's skip_memory signal.
	SkipOnNoMemory bool
}

func (s *SourceInjector) Descriptor() Descriptor {
	return Descriptor{Name: s.Name, Phase: PhaseUserContext, Priority: s.Priority, TokenBudget: s.Budget, CacheClass: CacheSession}
}

func (s *SourceInjector) Inject(ctx context.Context, in *Input) (string, error) {
	if s.Source == nil {
		return "", nil
	}
	if s.SkipOnNoMemory && in.Intent != nil && in.Intent.SkipMemory {
		return "", nil
	}
	return s.Source(ctx, in)
}

// NewMemoryInjector builds the phase 2 user-memory injector.
func NewMemoryInjector(budget int, source SourceFunc) *SourceInjector {
	return &SourceInjector{Name: "memory", Priority: 10, Budget: budget, Source: source, SkipOnNoMemory: true}
}

// NewKnowledgeInjector builds the phase 2 knowledge-snippet injector.
func NewKnowledgeInjector(budget int, source SourceFunc) *SourceInjector {
	return &SourceInjector{Name: "knowledge", Priority: 20, Budget: budget, Source: source, SkipOnNoMemory: true}
}

// NewPlaybookInjector builds the phase 2 playbook-hint injector.
func NewPlaybookInjector(budget int, source SourceFunc) *SourceInjector {
	return &SourceInjector{Name: "playbook", Priority: 30, Budget: budget, Source: source}
}

// PlanInjector renders the current plan state.
type PlanInjector struct {
	Budget int
}

func (p *PlanInjector) Descriptor() Descriptor {
	return Descriptor{Name: "plan", Phase: PhaseRuntime, Priority: 10, TokenBudget: p.Budget, CacheClass: CacheDynamic}
}

func (p *PlanInjector) Inject(_ context.Context, in *Input) (string, error) {
	if in.Plan == nil || len(in.Plan.Nodes) == 0 {
		return "", nil
	}
	done, total := in.Plan.Progress()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Plan (%d/%d done)\n", done, total)
	for _, n := range in.Plan.Nodes {
		mark := " "
		switch n.Status {
		case models.TodoCompleted:
			mark = "x"
		case models.TodoInProgress:
			mark = ">"
		}
		fmt.Fprintf(&sb, "- [%s] %s", mark, n.Content)
		if n.Result != "" {
			fmt.Fprintf(&sb, " — %s", clampChars(firstLine(n.Result), 80))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// RecentErrorsInjector keeps the latest tool failures in view so the model
// does not repeat them.
type RecentErrorsInjector struct {
	Budget int
}

func (r *RecentErrorsInjector) Descriptor() Descriptor {
	return Descriptor{Name: "recent_errors", Phase: PhaseRuntime, Priority: 20, TokenBudget: r.Budget, CacheClass: CacheDynamic}
}

func (r *RecentErrorsInjector) Inject(_ context.Context, in *Input) (string, error) {
	var failed []*models.ToolInvocation
	for _, inv := range in.RecentErrors {
		if inv != nil && inv.IsError {
			failed = append(failed, inv)
		}
	}
	if len(failed) == 0 {
		return "", nil
	}
	if len(failed) > maxRecentErrors {
		failed = failed[len(failed)-maxRecentErrors:]
	}

	var sb strings.Builder
	sb.WriteString("# Recent tool failures\n")
	for _, inv := range failed {
		fmt.Fprintf(&sb, "- %s", inv.Name)
		if inv.ErrorKind != "" {
			fmt.Fprintf(&sb, " (%s)", inv.ErrorKind)
		}
		if line := firstLine(inv.Result); line != "" {
			fmt.Fprintf(&sb, ": %s", clampChars(line, 120))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Do not repeat an identical failing call; change the input or the approach.")
	return sb.String(), nil
}

// GoalInjector appends the restated goal to the last user message.
type GoalInjector struct{}

func (g *GoalInjector) Descriptor() Descriptor {
	return Descriptor{Name: "goal", Phase: PhaseRuntime, Priority: 30, CacheClass: CacheDynamic, Target: TargetUserTail}
}

func (g *GoalInjector) Inject(_ context.Context, in *Input) (string, error) {
	return RestateGoal(in.Goal, in.Turn), nil
}
