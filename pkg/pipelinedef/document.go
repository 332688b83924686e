// Package pipelinedef reads declarative pipeline documents and turns them
// into connected processors for the executor.
//
// A document names processors by id and kind and lists edges between them:
//
//	name: demo
//	threads: 4
//	processors:
//	  - {id: src, type: numbers, config: {count: 100}}
//	  - {id: sink, type: collect}
//	edges:
//	  - {from: src, to: sink}
//
// The same document can be written in HCL (see ParseHCL). Each edge takes
// the next free output port of its source and the next free input port of
// its target, so port numbers follow declaration order.
package pipelinedef

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidDocument wraps parse and schema failures.
	ErrInvalidDocument = errors.New("invalid pipeline document")
	// ErrDuplicateID is returned when two processors share an id.
	ErrDuplicateID = errors.New("duplicate processor id")
	// ErrUnknownProcessor is returned when an edge names an undeclared processor.
	ErrUnknownProcessor = errors.New("edge references unknown processor")
	// ErrUnsupportedFormat is returned for files that are neither YAML nor HCL.
	ErrUnsupportedFormat = errors.New("unsupported pipeline document format")
)

// Document is a parsed pipeline definition.
type Document struct {
	Name       string      `yaml:"name" json:"name"`
	Threads    int         `yaml:"threads,omitempty" json:"threads,omitempty"`
	Processors []Processor `yaml:"processors" json:"processors"`
	Edges      []Edge      `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// Processor declares one processor instance.
type Processor struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Edge connects an output of From to an input of To.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Kinds returns the distinct processor kinds used by the document in
// declaration order.
func (d *Document) Kinds() []string {
	seen := make(map[string]struct{}, len(d.Processors))
	var kinds []string
	for _, p := range d.Processors {
		k := strings.ToLower(strings.TrimSpace(p.Type))
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		kinds = append(kinds, k)
	}
	return kinds
}

// Parse decodes data according to the extension of filename: ".hcl" is
// read as HCL, ".yaml", ".yml" and ".json" as YAML.
func Parse(data []byte, filename string) (*Document, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl":
		return ParseHCL(data, filename)
	case ".yaml", ".yml", ".json", "":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// LoadFile reads, parses and validates a document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied pipeline path
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	doc, err := Parse(data, path)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	if err := Validate(doc); err != nil {
		return nil, fmt.Errorf("validate pipeline %s: %w", path, err)
	}
	return doc, nil
}
