package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is any value that can travel over the wire as a tagged JSON
// object. Kind returns the lower_snake_case "type" discriminator.
type Message interface {
	Kind() string
}

// Encode marshals msg to its wire form: the JSON object for msg's fields
// with a "type" discriminator merged in.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshalling %s: %w", msg.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: re-decoding %s for type tag: %w", msg.Kind(), err)
	}
	typeTag, err := json.Marshal(msg.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeTag

	return json.Marshal(fields)
}

// factories maps a wire "type" discriminator to a constructor for its zero
// value, so Decode can unmarshal into the right concrete Go type.
var factories = map[string]func() Message{}

// register associates a discriminator with a factory. Called from init()
// in messages.go for every known message type.
func register(kind string, factory func() Message) {
	factories[kind] = factory
}

// peekType extracts just the "type" field without decoding the rest.
func peekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("protocol: reading type tag: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("protocol: message has no \"type\" field")
	}
	return head.Type, nil
}

// Decode parses a wire frame's JSON payload into its concrete Message type.
func Decode(data []byte) (Message, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown message type %q", kind)
	}
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decoding %q payload: %w", kind, err)
	}
	return msg, nil
}
