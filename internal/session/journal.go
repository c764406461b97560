package session

import (
	"context"
	"fmt"

	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/pkg/models"
)

// journalTap mirrors the loop's lifecycle events into the debug
// journal. It rides the combined sink next to the usage tap.
type journalTap struct {
	journal *observability.Journal
}

func (t *journalTap) Emit(ctx context.Context, e models.AgentEvent) {
	journalAgentEvent(ctx, t.journal, e)
}

// journalAgentEvent translates one agent event into a journal entry.
// Streaming deltas are skipped; the journal is a flight recorder, not
// a transcript.
func journalAgentEvent(ctx context.Context, j *observability.Journal, e models.AgentEvent) {
	if j == nil {
		return
	}
	ev := observability.JournalEvent{
		Time:           e.Time,
		SessionID:      e.SessionID,
		ConversationID: e.ConversationID,
	}
	switch e.Type {
	case models.EventTurnStarted, models.EventTurnFinished:
		ev.Kind = observability.JournalTurn
		ev.Name = string(e.Type)
	case models.EventToolStarted:
		ev.Kind = observability.JournalToolStart
		if e.Tool != nil {
			ev.Name = e.Tool.Name
			ev.Detail = map[string]any{"tool_use_id": e.Tool.ToolUseID}
		}
	case models.EventToolFinished:
		ev.Kind = observability.JournalToolEnd
		if e.Tool != nil {
			ev.Name = e.Tool.Name
			ev.Detail = map[string]any{
				"tool_use_id": e.Tool.ToolUseID,
				"elapsed_ms":  e.Tool.ElapsedMS,
			}
			if e.Tool.IsError {
				ev.Err = e.Tool.ErrorKind
			}
		}
	case models.EventMessageStop:
		ev.Kind = observability.JournalLLMStop
		if e.Stop != nil {
			ev.Name = string(e.Stop.Reason)
			if e.Stop.Usage != nil {
				ev.Detail = map[string]any{
					"input_tokens":  e.Stop.Usage.InputTokens,
					"output_tokens": e.Stop.Usage.OutputTokens,
				}
			}
		}
	case models.EventHITLConfirm:
		ev.Kind = observability.JournalHITL
		if e.HITL != nil {
			ev.Name = e.HITL.ToolName
		}
	case models.EventLongRunningConfirm:
		ev.Kind = observability.JournalHITL
		ev.Name = "long_running"
	case models.EventRollbackOptions, models.EventRollbackCompleted:
		ev.Kind = observability.JournalRollback
		ev.Name = string(e.Type)
		if e.Rollback != nil {
			ev.Detail = map[string]any{"snapshot_id": e.Rollback.SnapshotID}
		}
	case models.EventPlaybookSuggestion:
		ev.Kind = observability.JournalPlaybook
		if e.Playbook != nil && e.Playbook.Entry != nil {
			ev.Name = e.Playbook.Entry.Title
		}
	case models.EventSessionEnd:
		ev.Kind = observability.JournalRunEnd
		if e.Session != nil {
			ev.Name = string(e.Session.State)
			ev.Detail = map[string]any{
				"reason":      e.Session.Reason,
				"duration_ms": e.Session.DurationMS,
			}
		}
	case models.EventError:
		ev.Kind = observability.JournalError
		if e.Error != nil {
			ev.Name = e.Error.Kind
			ev.Err = e.Error.Message
		}
	default:
		return
	}
	j.Record(ctx, ev)
}

// Trace returns the journaled events for one session, oldest first.
// The journal outlives the session itself, so traces stay readable
// after the sweeper destroys the run.
func (m *Manager) Trace(sessionID string) ([]observability.JournalEvent, error) {
	if m.deps.Journal == nil {
		return nil, fmt.Errorf("event journal disabled: %w", ErrStateInvalid)
	}
	events := m.deps.Journal.BySession(sessionID)
	if len(events) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return events, nil
}
