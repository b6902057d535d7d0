package wire

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://live-translation-relay/schemas/wire-message.json"

//go:embed message.schema.json
var schemaSource []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaSource)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Encode validates and serializes a message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

// Decode parses raw bytes into a message after checking them against the
// embedded JSON schema and the typed invariants.
func Decode(raw []byte) (Message, error) {
	s, err := compiledSchema()
	if err != nil {
		return Message{}, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return Message{}, fmt.Errorf("message schema: %w", err)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
