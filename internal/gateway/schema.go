package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaRegistry compiles the frame and per-method parameter schemas
// once. Validation failures surface as INVALID_FRAME before any handler
// sees the request.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		request, err := jsonschema.CompileString("frame_request", requestFrameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = request

		sources := map[string]string{
			"connect":          connectParamsSchema,
			"ping":             emptyParamsSchema,
			"chat.send":        chatSendParamsSchema,
			"chat.abort":       sessionIDParamsSchema,
			"chat.steer":       chatSteerParamsSchema,
			"chat.history":     chatHistoryParamsSchema,
			"hitl.submit":      hitlSubmitParamsSchema,
			"session.rollback": sessionIDParamsSchema,
			"session.trace":    sessionIDParamsSchema,
			"sessions.list":    emptyParamsSchema,
			"playbook.approve": entryIDParamsSchema,
			"playbook.reject":  entryIDParamsSchema,
		}
		schemas.methods = make(map[string]*jsonschema.Schema, len(sources))
		for name, src := range sources {
			compiled, err := jsonschema.CompileString("method_"+name, src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// validateRequest checks the raw frame against the request schema and
// the method's parameter schema.
func validateRequest(raw []byte, frame *Frame) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.request.Validate(payload); err != nil {
		return err
	}
	schema := schemas.methods[frame.Method]
	if schema == nil {
		return nil
	}
	var params any
	if len(frame.Params) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("%s params: %w", frame.Method, err)
	}
	return nil
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "properties": {
    "min_protocol": { "type": "integer", "minimum": 1 },
    "max_protocol": { "type": "integer", "minimum": 1 },
    "token": { "type": "string" },
    "client": { "type": "string" },
    "version": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["conversation_id", "text"],
  "properties": {
    "conversation_id": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 },
    "agent_id": { "type": "string" },
    "allowed_tools": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const sessionIDParamsSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const entryIDParamsSchema = `{
  "type": "object",
  "required": ["entry_id"],
  "properties": {
    "entry_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const chatSteerParamsSchema = `{
  "type": "object",
  "required": ["session_id", "text"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["conversation_id"],
  "properties": {
    "conversation_id": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "cursor": { "type": "string" }
  },
  "additionalProperties": true
}`

const hitlSubmitParamsSchema = `{
  "type": "object",
  "required": ["session_id", "answer"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "tool_use_id": { "type": "string" },
    "answer": { "type": "string" }
  },
  "additionalProperties": true
}`
