package agent

import (
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

func TestBreakerLevel1OnConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, 5)
	b.RecordResult(true)
	b.RecordResult(true)
	if b.Level1Tripped() {
		t.Fatal("tripped at 2 consecutive failures")
	}
	b.RecordResult(true)
	if !b.Level1Tripped() {
		t.Fatal("not tripped at 3 consecutive failures")
	}
	b.ResetLevel1()
	if b.Level1Tripped() {
		t.Error("still tripped after reset")
	}
}

func TestBreakerSuccessResetsConsecutive(t *testing.T) {
	b := NewBreaker(3, 5)
	b.RecordResult(true)
	b.RecordResult(true)
	b.RecordResult(false)
	b.RecordResult(true)
	if b.Level1Tripped() {
		t.Error("success did not reset the consecutive count")
	}
	if b.ConsecutiveFailures() != 1 {
		t.Errorf("consecutive = %d, want 1", b.ConsecutiveFailures())
	}
}

func TestBreakerLevel2OnCumulativeBacktracks(t *testing.T) {
	b := NewBreaker(3, 5)
	for i := 0; i < 4; i++ {
		b.RecordBacktrack()
	}
	if b.Level2Tripped() {
		t.Fatal("tripped at 4 backtracks")
	}
	b.RecordBacktrack()
	if !b.Level2Tripped() {
		t.Fatal("not tripped at 5 backtracks")
	}
}

func agentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxTurns:         30,
		MaxDuration:      30 * time.Minute,
		FailureThreshold: 3,
		BacktrackLimit:   5,
	}
}

func TestTerminatorScalesTurnLimitByComplexity(t *testing.T) {
	start := time.Now()
	cases := []struct {
		complexity models.Complexity
		maxTurns   int
	}{
		{models.ComplexitySimple, 10},
		{models.ComplexityMedium, 20},
		{models.ComplexityComplex, 30},
	}
	for _, tc := range cases {
		term := NewTerminator(agentConfig(), tc.complexity, start)
		if term.MaxTurns() != tc.maxTurns {
			t.Errorf("%s: max turns = %d, want %d", tc.complexity, term.MaxTurns(), tc.maxTurns)
		}
	}
}

func TestTerminatorSignals(t *testing.T) {
	start := time.Now()
	term := NewTerminator(agentConfig(), models.ComplexityComplex, start)

	if reason, ok := term.Check(5, start.Add(time.Minute)); ok {
		t.Fatalf("terminated early: %s", reason)
	}
	if reason, ok := term.Check(30, start.Add(time.Minute)); !ok || reason != ReasonMaxTurns {
		t.Errorf("turn limit: ok=%v reason=%s", ok, reason)
	}
	if reason, ok := term.Check(5, start.Add(31*time.Minute)); !ok || reason != ReasonMaxDuration {
		t.Errorf("wall clock: ok=%v reason=%s", ok, reason)
	}
}

func TestTerminationReasonStates(t *testing.T) {
	cases := map[TerminationReason]models.SessionState{
		ReasonEndTurn:        models.SessionCompleted,
		ReasonFailGracefully: models.SessionCompleted,
		ReasonMaxTurns:       models.SessionCompleted,
		ReasonUserStop:       models.SessionStopped,
		ReasonHITLAbort:      models.SessionStopped,
		ReasonConfirmDenied:  models.SessionStopped,
		ReasonBacktrackLimit: models.SessionError,
		ReasonStreamError:    models.SessionError,
	}
	for reason, want := range cases {
		if got := reason.State(); got != want {
			t.Errorf("%s.State() = %s, want %s", reason, got, want)
		}
	}
}
