// Package processors provides the reference processors that make pipelines
// runnable end to end, and the registry that creates them by kind.
//
// Every reference processor exchanges Block chunks. Stages are deliberately
// small: they exist to exercise the executor (sources, transforms, sinks,
// fan-in, fan-out, async waits, pipeline expansion and failures) rather than
// to compute anything interesting.
package processors

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-exec/pkg/processor"
)

// Block is the chunk type exchanged by reference processors.
type Block []int64

var (
	// ErrUnknownKind is returned when no factory is registered for a kind.
	ErrUnknownKind = errors.New("unknown processor kind")
	// ErrPortCount is returned when a kind cannot have the requested number of ports.
	ErrPortCount = errors.New("unsupported number of ports")
	// ErrInvalidConfig is returned for malformed processor configuration.
	ErrInvalidConfig = errors.New("invalid processor config")
)

// Unbounded marks a port range without an upper limit.
const Unbounded = -1

// Ports is the range of input and output ports a kind accepts.
type Ports struct {
	MinInputs, MaxInputs   int
	MinOutputs, MaxOutputs int
}

func (p Ports) check(inputs, outputs int) error {
	if inputs < p.MinInputs || (p.MaxInputs != Unbounded && inputs > p.MaxInputs) {
		return fmt.Errorf("%w: %d inputs, want %s", ErrPortCount, inputs, portRange(p.MinInputs, p.MaxInputs))
	}
	if outputs < p.MinOutputs || (p.MaxOutputs != Unbounded && outputs > p.MaxOutputs) {
		return fmt.Errorf("%w: %d outputs, want %s", ErrPortCount, outputs, portRange(p.MinOutputs, p.MaxOutputs))
	}
	return nil
}

func portRange(lo, hi int) string {
	switch {
	case hi == Unbounded:
		return fmt.Sprintf("at least %d", lo)
	case lo == hi:
		return fmt.Sprintf("exactly %d", lo)
	default:
		return fmt.Sprintf("%d..%d", lo, hi)
	}
}

// Factory creates a processor with the given number of ports.
type Factory func(name string, cfg Config, inputs, outputs int) (processor.Processor, error)

// Kind describes a registered processor kind.
type Kind struct {
	Name        string
	Description string
	Ports       Ports
	Factory     Factory
}

// Registry maps kind names (and aliases) to factories.
type Registry struct {
	mu      sync.RWMutex
	kinds   map[string]Kind
	aliases map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:   make(map[string]Kind),
		aliases: make(map[string]string),
	}
}

// Register adds kind under its name and the given aliases. A later
// registration with the same name replaces the earlier one.
func (r *Registry) Register(kind Kind, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalizeKind(kind.Name)
	kind.Name = name
	r.kinds[name] = kind
	for _, alias := range aliases {
		alias = normalizeKind(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = name
	}
}

// Lookup resolves a kind name or alias.
func (r *Registry) Lookup(raw string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := normalizeKind(raw)
	if k, ok := r.kinds[name]; ok {
		return k, true
	}
	if canonical, ok := r.aliases[name]; ok {
		k, ok := r.kinds[canonical]
		return k, ok
	}
	return Kind{}, false
}

// Kinds lists the registered kinds sorted by name.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// New creates a processor of the given kind after checking its port counts.
func (r *Registry) New(kind, name string, cfg Config, inputs, outputs int) (processor.Processor, error) {
	k, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := k.Ports.check(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%s %q: %w", k.Name, name, err)
	}
	p, err := k.Factory(name, cfg, inputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", k.Name, name, err)
	}
	return p, nil
}

func normalizeKind(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry holding every reference processor.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterBuiltins adds the reference processors to r.
func RegisterBuiltins(r *Registry) {
	r.Register(Kind{
		Name:        "numbers",
		Description: "emits count integers starting at start, block_size per chunk",
		Ports:       Ports{MaxInputs: 0, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, cfg Config, _, _ int) (processor.Processor, error) {
			opts, err := numbersOptionsFrom(cfg)
			if err != nil {
				return nil, err
			}
			return NewNumbers(name, opts), nil
		},
	}, "source")
	r.Register(Kind{
		Name:        "delay",
		Description: "async source that waits interval before each block",
		Ports:       Ports{MaxInputs: 0, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, cfg Config, _, _ int) (processor.Processor, error) {
			opts, err := numbersOptionsFrom(cfg)
			if err != nil {
				return nil, err
			}
			interval, err := cfg.Duration("interval", 10*time.Millisecond)
			if err != nil {
				return nil, err
			}
			return NewDelay(name, opts, interval), nil
		},
	})
	r.Register(Kind{
		Name:        "expand",
		Description: "expands into sources numbers sources and merges them",
		Ports:       Ports{MaxInputs: 0, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, cfg Config, _, _ int) (processor.Processor, error) {
			sources, err := cfg.Int("sources", 2)
			if err != nil {
				return nil, err
			}
			if sources < 0 {
				return nil, fmt.Errorf("%w: sources must not be negative", ErrInvalidConfig)
			}
			opts, err := numbersOptionsFrom(cfg)
			if err != nil {
				return nil, err
			}
			return NewExpand(name, int(sources), opts), nil
		},
	})
	r.Register(Kind{
		Name:        "map",
		Description: "applies op (add or multiply) with operand to every value",
		Ports:       Ports{MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, cfg Config, _, _ int) (processor.Processor, error) {
			op, err := cfg.String("op", "add")
			if err != nil {
				return nil, err
			}
			operand, err := cfg.Int("operand", 0)
			if err != nil {
				return nil, err
			}
			return NewMap(name, op, operand)
		},
	})
	r.Register(Kind{
		Name:        "passthrough",
		Description: "forwards blocks unchanged",
		Ports:       Ports{MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, _ Config, _, _ int) (processor.Processor, error) {
			return NewPassthrough(name), nil
		},
	}, "identity")
	r.Register(Kind{
		Name:        "fail",
		Description: "forwards blocks and fails on the after-th work call",
		Ports:       Ports{MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, cfg Config, _, _ int) (processor.Processor, error) {
			after, err := cfg.Int("after", 1)
			if err != nil {
				return nil, err
			}
			if after < 1 {
				return nil, fmt.Errorf("%w: after must be at least 1", ErrInvalidConfig)
			}
			msg, err := cfg.String("message", "")
			if err != nil {
				return nil, err
			}
			return NewFail(name, int(after), msg), nil
		},
	})
	r.Register(Kind{
		Name:        "union",
		Description: "merges any number of inputs into one output",
		Ports:       Ports{MinInputs: 1, MaxInputs: Unbounded, MinOutputs: 1, MaxOutputs: 1},
		Factory: func(name string, _ Config, inputs, _ int) (processor.Processor, error) {
			return NewUnion(name, inputs), nil
		},
	}, "merge")
	r.Register(Kind{
		Name:        "fork",
		Description: "copies every block to all outputs",
		Ports:       Ports{MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: Unbounded},
		Factory: func(name string, _ Config, _, outputs int) (processor.Processor, error) {
			return NewFork(name, outputs), nil
		},
	}, "broadcast")
	r.Register(Kind{
		Name:        "collect",
		Description: "sink that keeps every value it receives",
		Ports:       Ports{MinInputs: 1, MaxInputs: 1},
		Factory: func(name string, cfg Config, _, _ int) (processor.Processor, error) {
			limit, err := cfg.Int("limit", 0)
			if err != nil {
				return nil, err
			}
			return NewCollect(name, int(limit)), nil
		},
	}, "sink")
}

func numbersOptionsFrom(cfg Config) (NumbersOptions, error) {
	var opts NumbersOptions
	var err error
	if opts.Start, err = cfg.Int("start", 0); err != nil {
		return opts, err
	}
	if opts.Count, err = cfg.Int("count", 10); err != nil {
		return opts, err
	}
	if opts.BlockSize, err = cfg.Int("block_size", 1); err != nil {
		return opts, err
	}
	if opts.Count < 0 && opts.Count != Infinite {
		return opts, fmt.Errorf("%w: count must be %d (infinite) or non-negative", ErrInvalidConfig, Infinite)
	}
	if opts.BlockSize < 1 {
		return opts, fmt.Errorf("%w: block_size must be at least 1", ErrInvalidConfig)
	}
	return opts, nil
}

// Config is the free-form configuration of one processor, as decoded from a
// pipeline document.
type Config map[string]any

// Int reads an integral value. YAML integers, JSON numbers and integral
// floats are accepted.
func (c Config) Int(key string, def int64) (int64, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %s out of range", ErrInvalidConfig, key)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidConfig, key, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidConfig, key, v)
	}
}

// String reads a string value.
func (c Config) String(key, def string) (string, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidConfig, key, v)
	}
	return s, nil
}

// Duration reads a Go duration string such as "50ms".
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	s, err := c.String(key, "")
	if err != nil {
		return 0, err
	}
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}
