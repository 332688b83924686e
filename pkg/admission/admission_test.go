package admission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/polisai/polis-exec/pkg/pipelinedef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func document(processors int, threads int) *pipelinedef.Document {
	doc := &pipelinedef.Document{Name: "demo", Threads: threads}
	for i := 0; i < processors; i++ {
		doc.Processors = append(doc.Processors, pipelinedef.Processor{ID: fmt.Sprintf("p%d", i), Type: "passthrough"})
	}
	return doc
}

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	c, err := NewController(ctx, Options{})
	require.NoError(t, err)

	require.NoError(t, c.Admit(ctx, Request{Document: document(3, 4)}))
	require.NoError(t, c.Admit(ctx, Request{Document: document(3, 0), Threads: 256}))

	err = c.Admit(ctx, Request{Document: document(3, 4), Threads: 257})
	require.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "257 threads exceed the limit of 256")

	err = c.Admit(ctx, Request{Document: document(10001, 1)})
	require.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "10001 processors")
}

func TestCustomPolicyAndEntrypoint(t *testing.T) {
	ctx := context.Background()
	module := `package ops.limits

decision := {"allow": false, "reason": "fail is not allowed in production"} if {
	"fail" in input.kinds
} else := {"allow": true}
`
	c, err := NewController(ctx, Options{
		Entrypoint: "ops/limits/decision",
		Modules:    map[string]string{"limits.rego": module},
	})
	require.NoError(t, err)

	doc := document(1, 1)
	require.NoError(t, c.Admit(ctx, Request{Document: doc}))

	doc.Processors = append(doc.Processors, pipelinedef.Processor{ID: "f", Type: "Fail"})
	dec, err := c.Evaluate(ctx, Request{Document: doc})
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Equal(t, "fail is not allowed in production", dec.Reason)
}

func TestInvalidPolicies(t *testing.T) {
	ctx := context.Background()

	_, err := NewController(ctx, Options{Modules: map[string]string{"bad.rego": "package x\nallow if {"}})
	assert.Error(t, err)

	c, err := NewController(ctx, Options{
		Entrypoint: "x/decision",
		Modules:    map[string]string{"x.rego": "package x\n\ndecision := {\"allow\": \"yes\"}\n"},
	})
	require.NoError(t, err)
	_, err = c.Evaluate(ctx, Request{Document: document(1, 1)})
	assert.ErrorContains(t, err, "allow must be boolean")

	c, err = NewController(ctx, Options{
		Entrypoint: "x/missing",
		Modules:    map[string]string{"x.rego": "package x\n\nother := 1\n"},
	})
	require.NoError(t, err)
	_, err = c.Evaluate(ctx, Request{Document: document(1, 1)})
	assert.ErrorContains(t, err, "undefined")

	_, err = c.Evaluate(ctx, Request{})
	assert.Error(t, err)
}

func TestDecisionsAreCached(t *testing.T) {
	ctx := context.Background()
	c, err := NewController(ctx, Options{CacheMaxEntries: 2})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Admit(ctx, Request{Document: document(1, 1)}))
	}
	assert.Equal(t, 1, c.cache.Len())

	require.NoError(t, c.Admit(ctx, Request{Document: document(2, 1)}))
	require.NoError(t, c.Admit(ctx, Request{Document: document(3, 1)}))
	assert.Equal(t, 2, c.cache.Len())

	c.FlushCache()
	assert.Equal(t, 0, c.cache.Len())

	uncached, err := NewController(ctx, Options{CacheMaxEntries: -1})
	require.NoError(t, err)
	require.NoError(t, uncached.Admit(ctx, Request{Document: document(1, 1)}))
	assert.Nil(t, uncached.cache)
}

func TestControllerFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deny.rego")
	require.NoError(t, os.WriteFile(path, []byte("package pipeline\n\nadmission := {\"allow\": false}\n"), 0o600))

	c, err := NewControllerFromFile(ctx, path, "", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Admit(ctx, Request{Document: document(1, 1)}), ErrDenied)

	c, err = NewControllerFromFile(ctx, "", "", nil)
	require.NoError(t, err)
	assert.NoError(t, c.Admit(ctx, Request{Document: document(1, 1)}))

	_, err = NewControllerFromFile(ctx, filepath.Join(t.TempDir(), "missing.rego"), "", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
