package pipelinedef

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/polisai/polis-exec/pkg/processors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://polis.ai/schemas/pipeline.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Schema returns the JSON schema documents are validated against.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// Validate checks doc against the document schema, then checks that ids are
// unique and that every edge names declared processors.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	schema, err := documentSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	ids := make(map[string]struct{}, len(doc.Processors))
	for _, p := range doc.Processors {
		if _, ok := ids[p.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateID, p.ID)
		}
		ids[p.ID] = struct{}{}
	}
	for i, e := range doc.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("%w: edge %d from %q", ErrUnknownProcessor, i, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("%w: edge %d to %q", ErrUnknownProcessor, i, e.To)
		}
	}
	return nil
}

// ValidateKinds checks that every processor kind is known to reg.
func ValidateKinds(doc *Document, reg *processors.Registry) error {
	for _, p := range doc.Processors {
		if _, ok := reg.Lookup(p.Type); !ok {
			return fmt.Errorf("processor %q: %w: %q", p.ID, processors.ErrUnknownKind, p.Type)
		}
	}
	return nil
}
