package agent

import (
	"testing"

	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

func failedInv(tool string, kind tools.ErrorKind, result string) *models.ToolInvocation {
	return &models.ToolInvocation{
		ToolUseID: "tu-" + tool,
		Name:      tool,
		Result:    result,
		ErrorKind: string(kind),
		IsError:   true,
	}
}

func refusedInv(tool string) *models.ToolInvocation {
	inv := failedInv(tool, tools.ErrExecution, "tool "+tool+" failed: blocked by approval policy")
	inv.SafetyRefusal = true
	return inv
}

func TestClassifierSingleTransientErrorContinues(t *testing.T) {
	c := NewClassifier(nil)
	inv := failedInv("shell", tools.ErrExecution, "command not found")
	c.Record(inv)
	if got := c.Classify([]*models.ToolInvocation{inv}); got != DecisionContinue {
		t.Errorf("decision = %s, want continue", got)
	}
}

func TestClassifierRepeatedSameFailureBacktracks(t *testing.T) {
	c := NewClassifier(nil)
	first := failedInv("web_search", tools.ErrExecution, "connection reset")
	c.Record(first)
	if got := c.Classify([]*models.ToolInvocation{first}); got != DecisionContinue {
		t.Fatalf("first failure = %s, want continue", got)
	}
	second := failedInv("web_search", tools.ErrExecution, "connection reset")
	c.Record(second)
	if got := c.Classify([]*models.ToolInvocation{second}); got != DecisionBacktrack {
		t.Errorf("second identical failure = %s, want backtrack", got)
	}
}

func TestClassifierSuccessResetsRepetition(t *testing.T) {
	c := NewClassifier(nil)
	c.Record(failedInv("shell", tools.ErrExecution, "boom"))
	c.Record(&models.ToolInvocation{Name: "shell", Result: "ok"})
	inv := failedInv("shell", tools.ErrExecution, "boom")
	c.Record(inv)
	if got := c.Classify([]*models.ToolInvocation{inv}); got != DecisionContinue {
		t.Errorf("failure after success = %s, want continue", got)
	}
}

func TestClassifierDifferentKindIsNotTheSameError(t *testing.T) {
	c := NewClassifier(nil)
	c.Record(failedInv("shell", tools.ErrTimeout, "deadline"))
	inv := failedInv("shell", tools.ErrExecution, "exit 1")
	c.Record(inv)
	if got := c.Classify([]*models.ToolInvocation{inv}); got != DecisionContinue {
		t.Errorf("kind change = %s, want continue", got)
	}
}

func TestClassifierPersistentAuthFailsGracefully(t *testing.T) {
	c := NewClassifier(nil)
	first := failedInv("github_api", tools.ErrAuth, "401")
	c.Record(first)
	if got := c.Classify([]*models.ToolInvocation{first}); got != DecisionContinue {
		t.Fatalf("first auth failure = %s, want continue", got)
	}
	second := failedInv("github_api", tools.ErrAuth, "401")
	c.Record(second)
	if got := c.Classify([]*models.ToolInvocation{second}); got != DecisionFailGracefully {
		t.Errorf("persistent auth failure = %s, want fail_gracefully", got)
	}
}

func TestClassifierBlockedDestructiveToolEscalates(t *testing.T) {
	destructive := func(name string) bool { return name == "write_file" }
	c := NewClassifier(destructive)
	inv := refusedInv("write_file")
	c.Record(inv)
	if got := c.Classify([]*models.ToolInvocation{inv}); got != DecisionEscalate {
		t.Errorf("blocked destructive tool = %s, want escalate", got)
	}

	// The same refusal on a non-destructive tool is just an error.
	other := refusedInv("read_file")
	c.Record(other)
	if got := c.Classify([]*models.ToolInvocation{other}); got != DecisionContinue {
		t.Errorf("blocked read-only tool = %s, want continue", got)
	}
}

func TestClassifierRefusalNeedsTypedFlag(t *testing.T) {
	// A tool whose own output happens to echo refusal wording is an
	// ordinary failure; only the executor's refusal flag escalates.
	destructive := func(name string) bool { return name == "write_file" }
	c := NewClassifier(destructive)
	inv := failedInv("write_file", tools.ErrExecution, "remote said: rejected by user quota policy")
	c.Record(inv)
	if got := c.Classify([]*models.ToolInvocation{inv}); got != DecisionContinue {
		t.Errorf("lookalike output = %s, want continue", got)
	}
}

func TestClassifierStrongestDecisionWins(t *testing.T) {
	destructive := func(name string) bool { return name == "write_file" }
	c := NewClassifier(destructive)
	cont := failedInv("read_file", tools.ErrValidation, "bad input")
	esc := refusedInv("write_file")
	c.Record(cont)
	c.Record(esc)
	if got := c.Classify([]*models.ToolInvocation{cont, esc}); got != DecisionEscalate {
		t.Errorf("mixed failures = %s, want escalate", got)
	}
}
