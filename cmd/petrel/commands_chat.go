package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/petrelhq/petrel/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		addr           string
		token          string
		agentID        string
		conversationID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running petrel server from the terminal",
		Long: `Open an interactive chat session against a running server.

Commands inside the session:
  /abort   stop the active run
  /steer   queue guidance for the active run (/steer try the other file)
  /approve keep the last suggested playbook draft
  /reject  discard the last suggested playbook draft
  /quit    exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("PETREL_TOKEN")
			}
			if conversationID == "" {
				conversationID = "term-" + uuid.NewString()[:8]
			}
			client := &chatClient{
				addr:           addr,
				token:          token,
				agentID:        agentID,
				conversationID: conversationID,
				out:            cmd.OutOrStdout(),
				in:             cmd.InOrStdin(),
			}
			return client.run()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8420/ws", "Server WebSocket URL")
	cmd.Flags().StringVar(&token, "token", "", "Auth token (or PETREL_TOKEN)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id (server default when empty)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to resume")
	return cmd
}

// chatClient is the terminal side of the framed protocol: one writer
// (the prompt loop), one reader goroutine printing events as they come.
type chatClient struct {
	addr           string
	token          string
	agentID        string
	conversationID string
	out            io.Writer
	in             io.Reader

	ws      *websocket.Conn
	writeMu sync.Mutex
	reqID   atomic.Int64

	mu             sync.Mutex
	activeSession  string
	pendingToolUse string
	pendingHITL    bool
	lastPlaybookID string
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *chatClient) run() error {
	ws, _, err := websocket.DefaultDialer.Dial(c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.ws = ws
	defer ws.Close()

	params := map[string]any{"min_protocol": 1, "max_protocol": 1, "client": "petrel-cli", "version": version}
	if c.token != "" {
		params["token"] = c.token
	}
	if err := c.send("connect", params); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- c.readLoop() }()

	fmt.Fprintf(c.out, "Connected to %s (conversation %s). /quit to exit.\n", c.addr, c.conversationID)
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Fprint(c.out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "> ")
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := c.handleInput(line); err != nil {
			return err
		}
		select {
		case err := <-done:
			return err
		default:
		}
	}
	return scanner.Err()
}

func (c *chatClient) handleInput(line string) error {
	c.mu.Lock()
	active := c.activeSession
	pendingHITL := c.pendingHITL
	toolUse := c.pendingToolUse
	playbookID := c.lastPlaybookID
	c.mu.Unlock()

	switch {
	case pendingHITL:
		c.mu.Lock()
		c.pendingHITL = false
		c.pendingToolUse = ""
		c.mu.Unlock()
		return c.send("hitl.submit", map[string]any{
			"session_id":  active,
			"tool_use_id": toolUse,
			"answer":      line,
		})
	case line == "/abort":
		if active == "" {
			fmt.Fprintln(c.out, "no active session")
			fmt.Fprint(c.out, "> ")
			return nil
		}
		return c.send("chat.abort", map[string]any{"session_id": active})
	case line == "/approve" || line == "/reject":
		if playbookID == "" {
			fmt.Fprintln(c.out, "no playbook draft pending")
			fmt.Fprint(c.out, "> ")
			return nil
		}
		c.mu.Lock()
		c.lastPlaybookID = ""
		c.mu.Unlock()
		method := "playbook.approve"
		if line == "/reject" {
			method = "playbook.reject"
		}
		return c.send(method, map[string]any{"entry_id": playbookID})
	case strings.HasPrefix(line, "/steer "):
		if active == "" {
			fmt.Fprintln(c.out, "no active session")
			fmt.Fprint(c.out, "> ")
			return nil
		}
		return c.send("chat.steer", map[string]any{
			"session_id": active,
			"text":       strings.TrimPrefix(line, "/steer "),
		})
	default:
		params := map[string]any{"conversation_id": c.conversationID, "text": line}
		if c.agentID != "" {
			params["agent_id"] = c.agentID
		}
		return c.send("chat.send", params)
	}
}

func (c *chatClient) send(method string, params map[string]any) error {
	frame := wireFrame{
		Type:   "req",
		ID:     fmt.Sprintf("r%d", c.reqID.Add(1)),
		Method: method,
		Params: params,
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

func (c *chatClient) readLoop() error {
	for {
		var frame wireFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
		switch frame.Type {
		case "tick":
			c.writeMu.Lock()
			_ = c.ws.WriteJSON(wireFrame{Type: "pong"})
			c.writeMu.Unlock()
		case "res":
			c.handleResponse(&frame)
		case "event":
			c.handleEvent(&frame)
		}
	}
}

func (c *chatClient) handleResponse(frame *wireFrame) {
	if frame.Error != nil {
		fmt.Fprintf(c.out, "\n[%s] %s\n> ", frame.Error.Code, frame.Error.Message)
		return
	}
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &payload)
	}
	if payload.SessionID != "" {
		c.mu.Lock()
		c.activeSession = payload.SessionID
		c.mu.Unlock()
	}
}

func (c *chatClient) handleEvent(frame *wireFrame) {
	var e models.AgentEvent
	if err := json.Unmarshal(frame.Payload, &e); err != nil {
		return
	}
	switch e.Type {
	case models.EventContentDelta:
		if e.Stream != nil {
			fmt.Fprint(c.out, e.Stream.Text)
		}
	case models.EventMessageStop:
		fmt.Fprintln(c.out)
	case models.EventHITLConfirm:
		if e.HITL == nil {
			return
		}
		c.mu.Lock()
		c.pendingHITL = true
		c.pendingToolUse = e.HITL.ToolUseID
		c.mu.Unlock()
		fmt.Fprintf(c.out, "\n%s", e.HITL.Question)
		if len(e.HITL.Options) > 0 {
			fmt.Fprintf(c.out, " [%s]", strings.Join(e.HITL.Options, "/"))
		}
		fmt.Fprint(c.out, "\n> ")
	case models.EventNotification:
		if e.Note != nil {
			fmt.Fprintf(c.out, "\n%s\n", e.Note.Text)
		}
	case models.EventError:
		if e.Error != nil {
			fmt.Fprintf(c.out, "\nerror: %s\n", e.Error.Message)
		}
	case models.EventSessionStopped:
		fmt.Fprintln(c.out, "\n(session stopped)")
	case models.EventSessionEnd:
		c.mu.Lock()
		c.activeSession = ""
		c.mu.Unlock()
		if e.Session != nil {
			if e.Session.Usage != nil {
				fmt.Fprintf(c.out, "(%s: %d in / %d out tokens)\n",
					e.Session.State, e.Session.Usage.InputTokens, e.Session.Usage.OutputTokens)
			}
			for _, s := range e.Session.Suggestions {
				fmt.Fprintf(c.out, "  next: %s\n", s)
			}
		}
		fmt.Fprint(c.out, "> ")
	case models.EventRollbackOptions:
		if e.Rollback != nil {
			fmt.Fprintf(c.out, "\nsnapshot %s can be rolled back (session.rollback)\n> ", e.Rollback.SnapshotID)
		}
	case models.EventRollbackCompleted:
		fmt.Fprintln(c.out, "\n(workspace rolled back)")
	case models.EventPlaybookSuggestion:
		if e.Playbook != nil && e.Playbook.Entry != nil {
			c.mu.Lock()
			c.lastPlaybookID = e.Playbook.Entry.ID
			c.mu.Unlock()
			fmt.Fprintf(c.out, "\nplaybook draft: %s (/approve to keep, /reject to discard)\n> ", e.Playbook.Entry.Title)
		}
	}
}
