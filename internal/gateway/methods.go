package gateway

import (
	"encoding/json"
	"strings"

	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/pkg/models"
)

func (c *conn) handleChatSend(frame *Frame) *FrameError {
	var params chatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}

	c.mu.Lock()
	if c.active != nil && !c.active.State().IsTerminal() {
		c.mu.Unlock()
		return frameErr(codeRequestWhileActive, "a stream is already active on this connection; abort it first")
	}
	userID := c.userID
	c.mu.Unlock()

	sess, err := c.srv.manager.Start(c.ctx, &session.StartRequest{
		ConversationID: params.ConversationID,
		UserID:         userID,
		AgentID:        params.AgentID,
		Text:           params.Text,
		AllowedTools:   params.AllowedTools,
	})
	if err != nil {
		return errFrame(err)
	}

	c.mu.Lock()
	c.active = sess
	c.mu.Unlock()

	c.respond(frame.ID, map[string]any{
		"session_id":      sess.ID,
		"conversation_id": sess.ConversationID,
		"agent_id":        sess.AgentID,
	})
	go c.stream(sess)
	return nil
}

// handleChatAbort acknowledges immediately; the client observes the
// actual stop through the session_stopped event on the stream.
func (c *conn) handleChatAbort(frame *Frame) *FrameError {
	var params chatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	if err := c.srv.manager.Stop(params.SessionID); err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{"aborting": true})
	return nil
}

func (c *conn) handleChatSteer(frame *Frame) *FrameError {
	var params chatSteerParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	if err := c.srv.manager.Steer(params.SessionID, params.Text); err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{"queued": true})
	return nil
}

func (c *conn) handleChatHistory(frame *Frame) *FrameError {
	var params chatHistoryParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	msgs, next, hasMore, err := c.srv.store.ReadMessages(c.ctx, params.ConversationID, limit, params.Cursor)
	if err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{
		"messages":    msgs,
		"next_cursor": next,
		"has_more":    hasMore,
	})
	return nil
}

func (c *conn) handleHITLSubmit(frame *Frame) *FrameError {
	var params hitlSubmitParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	if strings.TrimSpace(params.Answer) == "" {
		return frameErr(codeInvalidFrame, "answer is required")
	}
	if err := c.srv.manager.ResolveHITL(params.SessionID, params.ToolUseID, params.Answer); err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{"resolved": true})
	return nil
}

func (c *conn) handleSessionRollback(frame *Frame) *FrameError {
	var params sessionRollbackParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	if err := c.srv.manager.Rollback(c.ctx, params.SessionID); err != nil {
		return errFrame(err)
	}
	// rollback_completed also travels the event stream when one is
	// attached; the response alone closes the loop for detached clients.
	c.respond(frame.ID, map[string]any{"rolled_back": true})
	return nil
}

// handleSessionTrace returns the journaled flight-recorder events for
// a session, with a rendered timeline for direct display.
func (c *conn) handleSessionTrace(frame *Frame) *FrameError {
	var params sessionTraceParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	events, err := c.srv.manager.Trace(params.SessionID)
	if err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{
		"events":   events,
		"timeline": observability.FormatTimeline(events),
	})
	return nil
}

// handlePlaybookApprove promotes a suggested strategy draft. The
// refined entry travels back in the response for display.
func (c *conn) handlePlaybookApprove(frame *Frame) *FrameError {
	var params playbookReviewParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	entry, err := c.srv.manager.ApprovePlaybook(c.ctx, userID, params.EntryID)
	if err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{"entry": entry})
	return nil
}

func (c *conn) handlePlaybookReject(frame *Frame) *FrameError {
	var params playbookReviewParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return frameErr(codeInvalidFrame, err.Error())
	}
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if err := c.srv.manager.RejectPlaybook(c.ctx, userID, params.EntryID); err != nil {
		return errFrame(err)
	}
	c.respond(frame.ID, map[string]any{"rejected": true})
	return nil
}

func (c *conn) handleSessionsList(frame *Frame) *FrameError {
	infos := c.srv.manager.Sessions()
	if infos == nil {
		infos = []models.SessionInfo{}
	}
	c.respond(frame.ID, map[string]any{"sessions": infos})
	return nil
}
