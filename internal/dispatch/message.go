package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Message is one frame on a client connection.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload as the frame body.
func NewMessage(event string, payload any) (Message, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Message{Event: event, Payload: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Message{Event: event, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// ToStruct converts the frame to the protobuf Struct carried on the stream.
func (m Message) ToStruct() (*structpb.Struct, error) {
	fields := map[string]any{"event": m.Event}
	if len(m.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		fields["payload"] = payload
	}
	return structpb.NewStruct(fields)
}

// MessageFromStruct is the inverse of ToStruct.
func MessageFromStruct(s *structpb.Struct) (Message, error) {
	if s == nil {
		return Message{}, errors.New("nil frame")
	}
	fields := s.AsMap()
	event, _ := fields["event"].(string)
	if event == "" {
		return Message{}, errors.New("frame has no event")
	}
	msg := Message{Event: event}
	if payload, ok := fields["payload"]; ok && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode payload: %w", err)
		}
		msg.Payload = data
	}
	return msg, nil
}
