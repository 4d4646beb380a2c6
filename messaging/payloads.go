package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/agentmq/internal/jsoncodec"
)

// AgentMessage is the request payload exchanged between agents.
type AgentMessage struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// Validate reports missing fields.
func (m AgentMessage) Validate() error {
	var errs []error
	if m.Message == "" {
		errs = append(errs, errors.New("message is required"))
	}
	if m.ThreadID == "" {
		errs = append(errs, errors.New("thread_id is required"))
	}
	return errors.Join(errs...)
}

// StateUpdate is the broadcast payload: a human readable announcement and
// the application object.
type StateUpdate struct {
	Message string          `json:"Message"`
	Object  json.RawMessage `json:"Object"`
}

// DecodeObject unmarshals the update's object into v.
func (u StateUpdate) DecodeObject(v any) error {
	if len(u.Object) == 0 {
		return errors.New("messaging: state update has no object")
	}
	return jsoncodec.Unmarshal(u.Object, v)
}

// Request is a received request.
type Request struct {
	Envelope
	Payload json.RawMessage
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	if err := jsoncodec.Unmarshal(r.Payload, v); err != nil {
		return &DecodeError{MessageID: r.MessageID, Err: err}
	}
	return nil
}

// AgentMessage decodes the payload as an AgentMessage and checks that both
// fields are present.
func (r *Request) AgentMessage() (AgentMessage, error) {
	var m AgentMessage
	if err := r.Decode(&m); err != nil {
		return AgentMessage{}, err
	}
	if err := m.Validate(); err != nil {
		return AgentMessage{}, &DecodeError{MessageID: r.MessageID, Err: err}
	}
	return m, nil
}

// Reply is a reply received by a Requester.
type Reply struct {
	Envelope
	Payload json.RawMessage
}

// Decode unmarshals the reply payload into v.
func (r *Reply) Decode(v any) error {
	if err := jsoncodec.Unmarshal(r.Payload, v); err != nil {
		return &DecodeError{MessageID: r.MessageID, Err: err}
	}
	return nil
}

// encodePayload serializes v as JSON. Raw JSON passes through unchanged
// after a validity check.
func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case json.RawMessage:
		if !jsoncodec.Valid(p) {
			return nil, fmt.Errorf("messaging: payload is not valid JSON")
		}
		return p, nil
	case nil:
		return nil, errors.New("messaging: payload is nil")
	}
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode payload: %w", err)
	}
	return body, nil
}
