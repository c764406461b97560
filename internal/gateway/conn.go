package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/pkg/models"
)

const protocolVersion = 1

// conn is one client connection: a read loop dispatching requests, a
// write loop owning the socket, and at most one session stream pump.
// Outbound frames block the producer when the client falls behind;
// nothing is dropped past the delta throttle.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	id          string
	send        chan []byte
	seq         int64
	connected   atomic.Bool
	headerToken string

	mu     sync.Mutex
	userID string
	active *session.Session
}

func (s *Server) newConn(ws *websocket.Conn, headerToken string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:         s,
		ws:          ws,
		ctx:         ctx,
		cancel:      cancel,
		id:          uuid.NewString(),
		send:        make(chan []byte, 64),
		headerToken: headerToken,
	}
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.cancel()
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	cfg := c.srv.cfg
	c.ws.SetReadLimit(cfg.MaxFrameBytes)
	deadline := 2 * cfg.HeartbeatInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		frame, ferr := decodeFrame(data)
		if ferr != nil {
			c.respondErr("", ferr)
			continue
		}
		switch frame.Type {
		case frameTick:
			c.writeFrame(Frame{Type: framePong})
			continue
		case framePong:
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.respondErr(frame.ID, frameErr(codeHandshakeRequired, "first request must be connect"))
				continue
			}
			if ferr := c.handleConnect(frame); ferr != nil {
				c.respondErr(frame.ID, ferr)
				return
			}
			continue
		}
		c.dispatch(frame)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// decodeFrame parses and schema-validates one inbound frame. Heartbeat
// frames pass through untouched.
func decodeFrame(raw []byte) (*Frame, *FrameError) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, frameErr(codeInvalidFrame, err.Error())
	}
	switch frame.Type {
	case frameTick, framePong:
		return &frame, nil
	case "", frameRequest:
		frame.Type = frameRequest
	default:
		return nil, frameErr(codeInvalidFrame, fmt.Sprintf("unsupported frame type %q", frame.Type))
	}
	if err := validateRequest(raw, &frame); err != nil {
		return nil, frameErr(codeInvalidFrame, err.Error())
	}
	return &frame, nil
}

func (c *conn) dispatch(frame *Frame) {
	var ferr *FrameError
	switch frame.Method {
	case "connect":
		ferr = frameErr(codeStateInvalid, "already connected")
	case "ping":
		c.respond(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
		return
	case "chat.send":
		ferr = c.handleChatSend(frame)
	case "chat.abort":
		ferr = c.handleChatAbort(frame)
	case "chat.steer":
		ferr = c.handleChatSteer(frame)
	case "chat.history":
		ferr = c.handleChatHistory(frame)
	case "hitl.submit":
		ferr = c.handleHITLSubmit(frame)
	case "session.rollback":
		ferr = c.handleSessionRollback(frame)
	case "session.trace":
		ferr = c.handleSessionTrace(frame)
	case "sessions.list":
		ferr = c.handleSessionsList(frame)
	case "playbook.approve":
		ferr = c.handlePlaybookApprove(frame)
	case "playbook.reject":
		ferr = c.handlePlaybookReject(frame)
	default:
		ferr = frameErr(codeUnknownMethod, fmt.Sprintf("unknown method %q", frame.Method))
	}
	if ferr != nil {
		c.respondErr(frame.ID, ferr)
	}
}

func (c *conn) handleConnect(frame *Frame) *FrameError {
	var params connectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return frameErr(codeInvalidFrame, err.Error())
		}
	}
	minP, maxP := params.MinProtocol, params.MaxProtocol
	if minP <= 0 {
		minP = protocolVersion
	}
	if maxP <= 0 {
		maxP = protocolVersion
	}
	if protocolVersion < minP || protocolVersion > maxP {
		return frameErr(codeStateInvalid, "unsupported protocol version")
	}

	userID := "local"
	if c.srv.tokens != nil {
		token := c.headerToken
		if token == "" {
			token = params.Token
		}
		verified, err := c.srv.tokens.Verify(token)
		if err != nil {
			return frameErr(codeUnauthorized, "token verification failed")
		}
		userID = verified
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	c.respond(frame.ID, map[string]any{
		"protocol":     protocolVersion,
		"server_id":    c.id,
		"methods":      supportedMethods(),
		"events":       clientEventNames(),
		"heartbeat_ms": c.srv.cfg.HeartbeatInterval.Milliseconds(),
	})
	c.connected.Store(true)
	go c.tickLoop()
	return nil
}

func (c *conn) tickLoop() {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeFrame(Frame{Type: frameTick})
		}
	}
}

// stream pumps a session's events to the client, coalescing content
// deltas to the configured minimum gap. Every lifecycle event flushes
// whatever delta text is pending first, so order is preserved and the
// closing content_stop never leaves text behind.
func (c *conn) stream(sess *session.Session) {
	defer func() {
		c.mu.Lock()
		if c.active == sess {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	limiter := rate.NewLimiter(rate.Every(c.srv.cfg.DeltaThrottle), 1)
	var pending *models.AgentEvent
	coalesced := 0

	flush := func() {
		if pending == nil {
			return
		}
		c.sendEvent(*pending)
		pending = nil
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case e, ok := <-sess.Events():
			if !ok {
				flush()
				return
			}
			if !e.Type.ClientVisible() {
				continue
			}
			if e.Type == models.EventContentDelta && e.Stream != nil {
				if pending == nil {
					clone := e
					stream := *e.Stream
					clone.Stream = &stream
					pending = &clone
				} else {
					pending.Stream.Text += e.Stream.Text
					pending.Stream.PartialJSON += e.Stream.PartialJSON
					coalesced++
					if c.srv.metrics != nil {
						c.srv.metrics.RecordEventCoalesced(string(e.Type))
					}
				}
				if limiter.Allow() {
					flush()
				}
				continue
			}
			flush()
			c.sendEvent(e)
			if e.Type == models.EventSessionEnd {
				if coalesced > 0 {
					c.srv.logger.Debug("delta throttle coalesced events",
						"session_id", sess.ID, "coalesced", coalesced)
				}
				// The run is over but the session stays resident, and
				// late background events (playbook suggestions,
				// rollback completion) still arrive on this stream.
				// Release the active slot so a new chat.send is allowed
				// and keep forwarding until the session is destroyed.
				c.mu.Lock()
				if c.active == sess {
					c.active = nil
				}
				c.mu.Unlock()
			}
		}
	}
}

func (c *conn) sendEvent(e models.AgentEvent) {
	seq := atomic.AddInt64(&c.seq, 1)
	c.writeFrame(Frame{
		Type:    frameEvent,
		Event:   string(e.Type),
		Payload: e,
		Seq:     &seq,
	})
	if c.srv.metrics != nil {
		c.srv.metrics.RecordEventSent(string(e.Type))
	}
}

func (c *conn) respond(id string, payload any) {
	ok := true
	c.writeFrame(Frame{Type: frameResponse, ID: id, OK: &ok, Payload: payload})
}

func (c *conn) respondErr(id string, ferr *FrameError) {
	ok := false
	c.writeFrame(Frame{Type: frameResponse, ID: id, OK: &ok, Error: ferr})
}

// writeFrame blocks until the write loop takes the frame or the
// connection dies. Backpressure propagates to the producer.
func (c *conn) writeFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.srv.logger.Warn("frame marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// errFrame maps session-layer errors onto protocol codes.
func errFrame(err error) *FrameError {
	switch {
	case errors.Is(err, session.ErrConversationActive):
		return frameErr(codeRequestWhileActive, err.Error())
	case errors.Is(err, session.ErrSessionLimit):
		return frameErr(codeSessionLimit, err.Error())
	case errors.Is(err, session.ErrNotFound):
		return frameErr(codeNotFound, err.Error())
	case errors.Is(err, session.ErrNotRunning), errors.Is(err, session.ErrStateInvalid), errors.Is(err, session.ErrClosed):
		return frameErr(codeStateInvalid, err.Error())
	case errors.Is(err, session.ErrNoSnapshot):
		return frameErr(codeNoSnapshot, err.Error())
	case errors.Is(err, session.ErrNoPendingDecision):
		return frameErr(codeNoPendingDecision, err.Error())
	case errors.Is(err, session.ErrDecisionMismatch):
		return frameErr(codeDecisionMismatch, err.Error())
	case errors.Is(err, session.ErrUnknownAgent):
		return frameErr(codeNotFound, err.Error())
	default:
		return frameErr(codeInternal, err.Error())
	}
}

func supportedMethods() []string {
	return []string{
		"connect", "ping",
		"chat.send", "chat.abort", "chat.steer", "chat.history",
		"hitl.submit", "session.rollback", "session.trace", "sessions.list",
		"playbook.approve", "playbook.reject",
	}
}

func clientEventNames() []string {
	return []string{
		string(models.EventMessageStart),
		string(models.EventContentStart),
		string(models.EventContentDelta),
		string(models.EventContentStop),
		string(models.EventMessageStop),
		string(models.EventSessionStopped),
		string(models.EventSessionEnd),
		string(models.EventHITLConfirm),
		string(models.EventRollbackOptions),
		string(models.EventRollbackCompleted),
		string(models.EventLongRunningConfirm),
		string(models.EventPlaybookSuggestion),
		string(models.EventNotification),
		string(models.EventError),
	}
}
