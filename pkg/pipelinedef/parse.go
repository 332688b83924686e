package pipelinedef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a YAML (or JSON) document. Unknown fields are rejected.
func ParseYAML(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return &doc, nil
}

type hclDocument struct {
	Name       string         `hcl:"name,optional"`
	Threads    int            `hcl:"threads,optional"`
	Processors []hclProcessor `hcl:"processor,block"`
	Edges      []hclEdge      `hcl:"edge,block"`
}

type hclProcessor struct {
	ID     string    `hcl:"id,label"`
	Type   string    `hcl:"type"`
	Config cty.Value `hcl:"config,optional"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// ParseHCL decodes an HCL document:
//
//	name    = "demo"
//	threads = 2
//
//	processor "src" {
//	  type   = "numbers"
//	  config = { count = 100 }
//	}
//
//	edge {
//	  from = "src"
//	  to   = "sink"
//	}
func ParseHCL(data []byte, filename string) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, diags)
	}

	var parsed hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, diags)
	}

	doc := &Document{Name: parsed.Name, Threads: parsed.Threads}
	for _, p := range parsed.Processors {
		cfg, err := configFromCty(p.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: processor %q config: %w", ErrInvalidDocument, p.ID, err)
		}
		doc.Processors = append(doc.Processors, Processor{ID: p.ID, Type: p.Type, Config: cfg})
	}
	for _, e := range parsed.Edges {
		doc.Edges = append(doc.Edges, Edge(e))
	}
	return doc, nil
}

// configFromCty converts an HCL object value into plain Go values via its
// JSON form. Numbers become json.Number.
func configFromCty(v cty.Value) (map[string]any, error) {
	if v == cty.NilVal || v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, errors.New("config must be fully known")
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("config must be an object, got %s", ty.FriendlyName())
	}
	raw, err := ctyjson.Marshal(v, ty)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var cfg map[string]any
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
