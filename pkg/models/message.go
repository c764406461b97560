// Package models defines the core data types for Petrel.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType identifies the variant of a content block.
type BlockType string

const (
	// BlockText is plain response text.
	BlockText BlockType = "text"
	// BlockThinking is model reasoning text, streamed separately from answers.
	BlockThinking BlockType = "thinking"
	// BlockToolUse is a request by the model to invoke a tool.
	BlockToolUse BlockType = "tool_use"
	// BlockToolResult carries the outcome of a tool invocation.
	BlockToolResult BlockType = "tool_result"
	// BlockImage is inline image content.
	BlockImage BlockType = "image"
)

// Block is one element of a message's ordered content sequence.
// Exactly the fields for its Type are populated; the rest stay zero.
type Block struct {
	Type BlockType `json:"type"`

	// Text is set for text and thinking blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// ScratchpadRef points at the full content of a compressed tool result.
	ScratchpadRef string `json:"scratchpad_ref,omitempty"`

	// Source is set for image blocks.
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource describes inline image data.
type ImageSource struct {
	// MediaType is the MIME type, e.g. "image/png".
	MediaType string `json:"media_type"`

	// Data is the base64-encoded image payload.
	Data string `json:"data"`

	// Alt is a textual description substituted when the image is decayed
	// out of context.
	Alt string `json:"alt,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ThinkingBlock returns a thinking block.
func ThinkingBlock(text string) Block {
	return Block{Type: BlockThinking, Text: text}
}

// ToolUseBlock returns a tool_use block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool_result block for the given tool_use id.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ImageBlock returns an image block.
func ImageBlock(src ImageSource) Block {
	return Block{Type: BlockImage, Source: &src}
}

// Message is an ordered sequence of content blocks with a role.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Role           Role           `json:"role"`
	Blocks         []Block        `json:"blocks"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewUserMessage builds a user message from plain text.
func NewUserMessage(conversationID, text string) *Message {
	return &Message{
		ConversationID: conversationID,
		Role:           RoleUser,
		Blocks:         []Block{TextBlock(text)},
		CreatedAt:      time.Now().UTC(),
	}
}

// NewAssistantMessage builds an assistant message from blocks.
func NewAssistantMessage(conversationID string, blocks []Block) *Message {
	return &Message{
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Blocks:         blocks,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewToolResultMessage builds the user-role message that carries tool results
// for the immediately preceding assistant message.
func NewToolResultMessage(conversationID string, results []Block) *Message {
	return &Message{
		ConversationID: conversationID,
		Role:           RoleUser,
		Blocks:         results,
		CreatedAt:      time.Now().UTC(),
	}
}

// Text concatenates the text blocks of the message. Thinking, tool and image
// blocks are excluded.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in order.
func (m *Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns the tool_result blocks in order.
func (m *Message) ToolResults() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// HasToolUse reports whether the message contains at least one tool_use block.
func (m *Message) HasToolUse() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Blocks = make([]Block, len(m.Blocks))
	copy(out.Blocks, m.Blocks)
	for i, b := range m.Blocks {
		if b.Source != nil {
			src := *b.Source
			out.Blocks[i].Source = &src
		}
		if b.Input != nil {
			out.Blocks[i].Input = append(json.RawMessage(nil), b.Input...)
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// PairingError reports a tool_use block without a matching tool_result in the
// following user message, or a tool_result without a preceding tool_use.
type PairingError struct {
	ToolUseID string
	Reason    string
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("tool pairing violation (%s): %s", e.ToolUseID, e.Reason)
}

// ValidateToolPairing checks that every tool_use block in an assistant message
// is answered, in order, by a tool_result with the same id in the immediately
// following user message. The first violation found is returned.
func ValidateToolPairing(messages []*Message) error {
	for i, msg := range messages {
		if msg == nil || msg.Role != RoleAssistant {
			continue
		}
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}
		if i+1 >= len(messages) || messages[i+1].Role != RoleUser {
			return &PairingError{ToolUseID: uses[0].ID, Reason: "no following user message with results"}
		}
		results := messages[i+1].ToolResults()
		if len(results) < len(uses) {
			return &PairingError{ToolUseID: uses[len(results)].ID, Reason: "missing tool_result"}
		}
		for j, use := range uses {
			if results[j].ToolUseID != use.ID {
				return &PairingError{ToolUseID: use.ID, Reason: "tool_result order mismatch"}
			}
		}
	}
	for i, msg := range messages {
		if msg == nil || msg.Role != RoleUser {
			continue
		}
		for _, res := range msg.ToolResults() {
			if i == 0 || !hasToolUseID(messages[i-1], res.ToolUseID) {
				return &PairingError{ToolUseID: res.ToolUseID, Reason: "orphan tool_result"}
			}
		}
	}
	return nil
}

func hasToolUseID(msg *Message, id string) bool {
	if msg == nil || msg.Role != RoleAssistant {
		return false
	}
	for _, b := range msg.ToolUses() {
		if b.ID == id {
			return true
		}
	}
	return false
}

// Conversation is the persistent container for an ordered message sequence.
type Conversation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
