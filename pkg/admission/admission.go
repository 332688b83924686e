// Package admission evaluates Rego policies against pipeline documents
// before they are executed.
//
// A policy module exposes a rule at the configured entrypoint (by default
// "pipeline/admission") that evaluates to an object with a boolean "allow"
// and an optional "reason". The built-in policy limits the thread count and
// the number of declared processors.
package admission

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-exec/pkg/pipelinedef"
)

//go:embed default_policy.rego
var defaultPolicy string

// DefaultPolicy returns the built-in Rego module.
func DefaultPolicy() string { return defaultPolicy }

const (
	// DefaultEntrypoint is the decision path used when none is configured.
	DefaultEntrypoint    = "pipeline/admission"
	defaultCacheCapacity = 256
)

// ErrDenied is returned by Admit when the policy rejects a pipeline.
var ErrDenied = errors.New("pipeline denied by admission policy")

// Options control Controller construction.
type Options struct {
	// Entrypoint is the decision path, e.g. "pipeline/admission".
	Entrypoint string
	// Modules maps module names to Rego sources. Empty selects the built-in policy.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache (LRU). Zero selects the
	// default size; negative disables caching.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Request is what the policy sees for one pipeline run.
type Request struct {
	Document *pipelinedef.Document
	// Threads overrides Document.Threads when positive.
	Threads int
}

// Decision is the policy result.
type Decision struct {
	Allow  bool
	Reason string
}

// Controller evaluates admission decisions with an embedded OPA instance.
type Controller struct {
	entrypoint    string
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	cache         *decisionCache
	logger        *slog.Logger

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

// NewController parses the modules and prepares the entrypoint query so
// policy errors surface at startup.
func NewController(ctx context.Context, opts Options) (*Controller, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = DefaultEntrypoint
	}
	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"default_policy.rego": defaultPolicy}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	order := make([]string, 0, len(modules))
	for name := range modules {
		order = append(order, name)
	}
	sort.Strings(order)

	parsed := make(map[string]*ast.Module, len(modules))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	c := &Controller{
		entrypoint:    entry,
		moduleOrder:   order,
		parsedModules: parsed,
		cache:         cache,
		logger:        logger,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}
	if _, err := c.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return c, nil
}

// NewControllerFromFile loads a single policy file. An empty path selects
// the built-in policy.
func NewControllerFromFile(ctx context.Context, path, entrypoint string, logger *slog.Logger) (*Controller, error) {
	opts := Options{Entrypoint: entrypoint, Logger: logger}
	if path != "" {
		src, err := os.ReadFile(path) // #nosec G304 -- operator-supplied policy path
		if err != nil {
			return nil, fmt.Errorf("read admission policy: %w", err)
		}
		opts.Modules = map[string]string{path: string(src)}
	}
	return NewController(ctx, opts)
}

// Evaluate runs the policy for req.
func (c *Controller) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.Document == nil {
		return Decision{}, errors.New("admission requires a pipeline document")
	}
	input := buildInput(req)

	key, cacheable := c.cacheKey(input)
	if cacheable {
		if dec, ok := c.cache.Get(key); ok {
			return dec, nil
		}
	}

	prepared, err := c.preparedQuery(ctx, c.entrypoint)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("opa decision: %s is undefined", c.entrypoint)
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}
	allow, ok := payload["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: allow must be boolean, got %T", payload["allow"])
	}
	reason, _ := payload["reason"].(string)
	dec := Decision{Allow: allow, Reason: reason}

	c.logger.Debug("admission decision",
		"pipeline", req.Document.Name,
		"allow", dec.Allow,
		"reason", dec.Reason)

	if cacheable {
		c.cache.Add(key, dec)
	}
	return dec, nil
}

// Admit returns nil when the policy allows req and an ErrDenied wrap otherwise.
func (c *Controller) Admit(ctx context.Context, req Request) error {
	dec, err := c.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if !dec.Allow {
		if dec.Reason == "" {
			return ErrDenied
		}
		return fmt.Errorf("%w: %s", ErrDenied, dec.Reason)
	}
	return nil
}

// FlushCache clears cached decisions.
func (c *Controller) FlushCache() {
	if c.cache != nil {
		c.cache.Clear()
	}
}

func (c *Controller) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	c.mu.RLock()
	if prepared, ok := c.queries[entry]; ok {
		c.mu.RUnlock()
		return prepared, nil
	}
	c.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(c.parsedModules)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range c.moduleOrder {
		opts = append(opts, rego.ParsedModule(c.parsedModules[name]))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.queries[entry]; ok {
		return existing, nil
	}
	c.queries[entry] = &prepared
	return &prepared, nil
}

func buildInput(req Request) map[string]any {
	doc := req.Document
	threads := doc.Threads
	if req.Threads > 0 {
		threads = req.Threads
	}
	procs := make([]any, 0, len(doc.Processors))
	for _, p := range doc.Processors {
		procs = append(procs, map[string]any{"id": p.ID, "type": strings.ToLower(p.Type)})
	}
	kinds := make([]any, 0)
	for _, k := range doc.Kinds() {
		kinds = append(kinds, k)
	}
	return map[string]any{
		"name":           doc.Name,
		"threads":        threads,
		"processors":     len(doc.Processors),
		"edges":          len(doc.Edges),
		"kinds":          kinds,
		"processor_list": procs,
	}
}
