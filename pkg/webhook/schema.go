package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PayloadSchema describes an inbound webhook body.
const PayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["chat_id", "text"],
  "properties": {
    "chat_id": {"type": "string", "minLength": 1},
    "text": {"type": "string"},
    "sender_id": {"type": "string"},
    "sender_name": {"type": "string"},
    "message_id": {"type": "string"},
    "attachments": {"type": "array", "items": {"type": "string"}}
  }
}`

// Payload is a validated inbound webhook body.
type Payload struct {
	ChatID      string   `json:"chat_id"`
	Text        string   `json:"text"`
	SenderID    string   `json:"sender_id,omitempty"`
	SenderName  string   `json:"sender_name,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

var payloadSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(PayloadSchema))
	if err != nil {
		panic(fmt.Sprintf("webhook: invalid payload schema: %v", err))
	}
	return schema
}()

// parsePayload validates body against PayloadSchema and decodes it.
func parsePayload(body []byte) (Payload, error) {
	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Payload{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Payload{}, fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}
