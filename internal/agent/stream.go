package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// turnOutput is the assembled result of one LLM stream.
type turnOutput struct {
	Blocks     []models.Block
	StopReason models.StopReason
	Usage      models.TokenUsage
}

// Text returns the concatenated text blocks.
func (t *turnOutput) Text() string {
	var b strings.Builder
	for _, blk := range t.Blocks {
		if blk.Type == models.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// collectStream drains one adapter stream, assembling content blocks and
// forwarding each delta to the sink as a client-visible event. tool_use
// input arrives as partial JSON fragments and is folded into the block on
// content_stop. The stream is read to completion even after an error
// delta so the adapter goroutine never blocks on an abandoned channel.
func collectStream(ctx context.Context, deltas <-chan models.Delta, sink EventSink, conversationID, sessionID string) (*turnOutput, error) {
	out := &turnOutput{}
	open := make(map[int]*models.Block)
	partial := make(map[int]*strings.Builder)
	order := make([]int, 0, 4)
	var streamErr error

	for d := range deltas {
		switch d.Kind {
		case models.DeltaMessageStart:
			if d.Usage != nil {
				out.Usage.Add(*d.Usage)
			}
			sink.Emit(ctx, models.NewStreamEvent(models.EventMessageStart, conversationID, sessionID, models.StreamPayload{
				Role: models.RoleAssistant,
			}))

		case models.DeltaContentStart:
			blk := &models.Block{Type: models.BlockText}
			if d.Block != nil {
				copied := *d.Block
				blk = &copied
			}
			open[d.Index] = blk
			order = append(order, d.Index)
			sink.Emit(ctx, models.NewStreamEvent(models.EventContentStart, conversationID, sessionID, models.StreamPayload{
				Index: d.Index,
				Block: d.Block,
			}))

		case models.DeltaContentDelta:
			blk, ok := open[d.Index]
			if !ok {
				// Providers occasionally skip content_start for bare text.
				blk = &models.Block{Type: models.BlockText}
				open[d.Index] = blk
				order = append(order, d.Index)
			}
			if d.Text != "" {
				blk.Text += d.Text
			}
			if d.PartialJSON != "" {
				b, ok := partial[d.Index]
				if !ok {
					b = &strings.Builder{}
					partial[d.Index] = b
				}
				b.WriteString(d.PartialJSON)
			}
			sink.Emit(ctx, models.NewStreamEvent(models.EventContentDelta, conversationID, sessionID, models.StreamPayload{
				Index:       d.Index,
				Text:        d.Text,
				PartialJSON: d.PartialJSON,
			}))

		case models.DeltaContentStop:
			if blk, ok := open[d.Index]; ok {
				if b, ok := partial[d.Index]; ok {
					blk.Input = normalizeToolInput(b.String())
					delete(partial, d.Index)
				}
			}
			sink.Emit(ctx, models.NewStreamEvent(models.EventContentStop, conversationID, sessionID, models.StreamPayload{
				Index: d.Index,
			}))

		case models.DeltaMessageDelta:
			if d.Usage != nil {
				out.Usage.Add(*d.Usage)
			}

		case models.DeltaMessageStop:
			out.StopReason = d.StopReason
			if d.Usage != nil {
				out.Usage.Add(*d.Usage)
			}
			sink.Emit(ctx, models.AgentEvent{
				Type:           models.EventMessageStop,
				Time:           timeNow(),
				ConversationID: conversationID,
				SessionID:      sessionID,
				Stop:           &models.StopPayload{Reason: d.StopReason, Usage: d.Usage},
			})

		case models.DeltaError:
			if streamErr == nil {
				streamErr = d.Err
				if streamErr == nil {
					streamErr = fmt.Errorf("provider stream failed")
				}
			}
		}
	}

	if streamErr != nil {
		return nil, streamErr
	}

	for _, idx := range order {
		blk := open[idx]
		// A stream cut before content_stop still owes its partial input.
		if b, ok := partial[idx]; ok {
			blk.Input = normalizeToolInput(b.String())
		}
		out.Blocks = append(out.Blocks, *blk)
	}
	if out.StopReason == "" {
		out.StopReason = models.StopEndTurn
	}
	return out, nil
}

// normalizeToolInput turns accumulated partial JSON into a valid input
// document. Empty input means the tool takes no arguments.
func normalizeToolInput(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(raw)) {
		// Leave repair to schema validation; the executor reports a
		// structured validation error the model can react to.
		quoted, _ := json.Marshal(raw)
		return json.RawMessage(fmt.Sprintf(`{"_raw":%s}`, quoted))
	}
	return json.RawMessage(raw)
}
