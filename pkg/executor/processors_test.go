package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-exec/pkg/processor"
)

// exclusive flags overlapping Prepare/Work calls on one processor.
type exclusive struct {
	inside     atomic.Int32
	violations *atomic.Int32
}

func (x *exclusive) enter() {
	if x.inside.Add(1) > 1 && x.violations != nil {
		x.violations.Add(1)
	}
}

func (x *exclusive) leave() { x.inside.Add(-1) }

// callLog records processor calls in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// source emits total chunks 0..total-1; total < 0 never ends.
type source struct {
	processor.Base
	exclusive
	total    int
	emitted  int
	chunk    processor.Chunk
	hasChunk bool
	log      *callLog
	works    atomic.Int32
	updates  atomic.Int32
	onUpdate func()
}

func newSource(name string, total int) *source {
	s := &source{Base: processor.NewBase(name), total: total}
	s.AddOutput(s)
	return s
}

func (s *source) Prepare(_, _ []int) (processor.Status, error) {
	s.enter()
	defer s.leave()
	s.log.add(s.Name())

	out := s.Outputs()[0]
	if out.IsFinished() {
		return processor.StatusFinished, nil
	}
	if s.hasChunk {
		if !out.CanPush() {
			return processor.StatusPortFull, nil
		}
		if err := out.Push(s.chunk); err != nil {
			return 0, err
		}
		s.hasChunk = false
	}
	if s.total >= 0 && s.emitted >= s.total {
		out.Finish()
		return processor.StatusFinished, nil
	}
	if s.IsCancelled() {
		out.Finish()
		return processor.StatusFinished, nil
	}
	if !out.CanPush() {
		return processor.StatusPortFull, nil
	}
	return processor.StatusReady, nil
}

func (s *source) OnUpdatePorts() {
	s.updates.Add(1)
	if s.onUpdate != nil {
		s.onUpdate()
	}
}

func (s *source) Work() error {
	s.enter()
	defer s.leave()
	s.works.Add(1)
	s.chunk = s.emitted
	s.hasChunk = true
	s.emitted++
	return nil
}

// transform applies fn to every chunk. fn errors fail the work call.
type transform struct {
	processor.Base
	exclusive
	fn        func(processor.Chunk) (processor.Chunk, error)
	in, out   processor.Chunk
	hasInput  bool
	hasOutput bool
	works     atomic.Int32
}

func newTransform(name string, fn func(processor.Chunk) (processor.Chunk, error)) *transform {
	if fn == nil {
		fn = func(c processor.Chunk) (processor.Chunk, error) { return c, nil }
	}
	t := &transform{Base: processor.NewBase(name), fn: fn}
	t.AddInput(t)
	t.AddOutput(t)
	return t
}

func (t *transform) Prepare(_, _ []int) (processor.Status, error) {
	t.enter()
	defer t.leave()

	in, out := t.Inputs()[0], t.Outputs()[0]
	if out.IsFinished() {
		in.Close()
		return processor.StatusFinished, nil
	}
	if !out.CanPush() {
		in.SetNotNeeded()
		return processor.StatusPortFull, nil
	}
	if t.hasOutput {
		if err := out.Push(t.out); err != nil {
			return 0, err
		}
		t.hasOutput = false
		return processor.StatusPortFull, nil
	}
	if t.hasInput {
		return processor.StatusReady, nil
	}
	if in.IsFinished() {
		out.Finish()
		return processor.StatusFinished, nil
	}
	in.SetNeeded()
	if !in.HasData() {
		return processor.StatusNeedData, nil
	}
	chunk, err := in.Pull(true)
	if err != nil {
		return 0, err
	}
	t.in = chunk
	t.hasInput = true
	return processor.StatusReady, nil
}

func (t *transform) Work() error {
	t.enter()
	defer t.leave()
	t.works.Add(1)
	res, err := t.fn(t.in)
	if err != nil {
		return err
	}
	t.out = res
	t.hasOutput = true
	t.hasInput = false
	return nil
}

// sink collects every chunk it receives.
type sink struct {
	processor.Base
	exclusive
	chunk    processor.Chunk
	hasInput bool
	mu       sync.Mutex
	received []processor.Chunk
	works    atomic.Int32
	log      *callLog
	updates  atomic.Int32
	onUpdate func()
}

func newSink(name string) *sink {
	s := &sink{Base: processor.NewBase(name)}
	s.AddInput(s)
	return s
}

func (s *sink) Prepare(_, _ []int) (processor.Status, error) {
	s.enter()
	defer s.leave()
	s.log.add(s.Name())

	in := s.Inputs()[0]
	if s.hasInput {
		return processor.StatusReady, nil
	}
	if in.IsFinished() {
		return processor.StatusFinished, nil
	}
	in.SetNeeded()
	if !in.HasData() {
		return processor.StatusNeedData, nil
	}
	chunk, err := in.Pull(true)
	if err != nil {
		return 0, err
	}
	s.chunk = chunk
	s.hasInput = true
	return processor.StatusReady, nil
}

func (s *sink) OnUpdatePorts() {
	s.updates.Add(1)
	if s.onUpdate != nil {
		s.onUpdate()
	}
}

func (s *sink) Work() error {
	s.enter()
	defer s.leave()
	s.works.Add(1)
	s.mu.Lock()
	s.received = append(s.received, s.chunk)
	s.mu.Unlock()
	s.hasInput = false
	return nil
}

func (s *sink) chunks() []processor.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]processor.Chunk(nil), s.received...)
}

// merge forwards chunks from any input to its single output without Work.
// It pulls and pushes within the same Prepare call when it can.
type merge struct {
	processor.Base
	exclusive
	buf []processor.Chunk
	log *callLog
}

func newMerge(name string, inputs int) *merge {
	m := &merge{Base: processor.NewBase(name)}
	for i := 0; i < inputs; i++ {
		m.AddInput(m)
	}
	m.AddOutput(m)
	return m
}

func (m *merge) Prepare(_, _ []int) (processor.Status, error) {
	m.enter()
	defer m.leave()

	out := m.Outputs()[0]
	if out.IsFinished() {
		for _, in := range m.Inputs() {
			in.Close()
		}
		return processor.StatusFinished, nil
	}

	pulled := false
	for _, in := range m.Inputs() {
		if in.IsFinished() {
			continue
		}
		in.SetNeeded()
		if in.HasData() {
			chunk, err := in.Pull(true)
			if err != nil {
				return 0, err
			}
			m.buf = append(m.buf, chunk)
			pulled = true
		}
	}
	pushed := false
	if len(m.buf) > 0 && out.CanPush() {
		if err := out.Push(m.buf[0]); err != nil {
			return 0, err
		}
		m.buf = m.buf[1:]
		pushed = true
	}
	if pulled && pushed {
		m.log.add(m.Name() + "*")
	} else {
		m.log.add(m.Name())
	}

	if len(m.buf) > 0 {
		return processor.StatusPortFull, nil
	}
	for _, in := range m.Inputs() {
		if !in.IsFinished() {
			return processor.StatusNeedData, nil
		}
	}
	out.Finish()
	return processor.StatusFinished, nil
}

func (m *merge) Work() error { return errors.New("merge has no work") }

// expander asks for expansion on its first Prepare, adds one input per
// spawned source and then behaves like a multi-input sink.
type expander struct {
	processor.Base
	spawn    int
	chunks   int
	expanded bool
	pending  []processor.Chunk
	mu       sync.Mutex
	received []processor.Chunk
	spawned  []*source
	expands  atomic.Int32
}

func newExpander(name string, spawn, chunks int) *expander {
	return &expander{Base: processor.NewBase(name), spawn: spawn, chunks: chunks}
}

func (x *expander) Prepare(_, _ []int) (processor.Status, error) {
	if !x.expanded {
		return processor.StatusExpandPipeline, nil
	}
	if len(x.pending) > 0 {
		return processor.StatusReady, nil
	}
	allFinished := true
	for _, in := range x.Inputs() {
		if in.IsFinished() {
			continue
		}
		allFinished = false
		in.SetNeeded()
		if in.HasData() {
			chunk, err := in.Pull(true)
			if err != nil {
				return 0, err
			}
			x.pending = append(x.pending, chunk)
		}
	}
	if len(x.pending) > 0 {
		return processor.StatusReady, nil
	}
	if allFinished {
		return processor.StatusFinished, nil
	}
	return processor.StatusNeedData, nil
}

func (x *expander) Work() error {
	x.mu.Lock()
	x.received = append(x.received, x.pending...)
	x.mu.Unlock()
	x.pending = nil
	return nil
}

func (x *expander) ExpandPipeline() ([]processor.Processor, error) {
	x.expands.Add(1)
	x.expanded = true
	added := make([]processor.Processor, 0, x.spawn)
	for i := 0; i < x.spawn; i++ {
		src := newSource("spawned", x.chunks)
		if err := processor.Connect(src.Outputs()[0], x.AddInput(x)); err != nil {
			return nil, err
		}
		x.spawned = append(x.spawned, src)
		added = append(added, src)
	}
	return added, nil
}

// asyncSource primes itself with one Work call, then waits for an external
// event before producing each chunk.
type asyncSource struct {
	processor.Base
	total     int
	emitted   int
	primed    bool
	chunk     processor.Chunk
	hasChunk  bool
	delay     time.Duration
	schedules atomic.Int32
	// contexts receives the context of each Schedule call when set.
	contexts chan context.Context
}

func newAsyncSource(name string, total int, delay time.Duration) *asyncSource {
	s := &asyncSource{Base: processor.NewBase(name), total: total, delay: delay}
	s.AddOutput(s)
	return s
}

func (s *asyncSource) Prepare(_, _ []int) (processor.Status, error) {
	out := s.Outputs()[0]
	if out.IsFinished() {
		return processor.StatusFinished, nil
	}
	if s.hasChunk {
		if !out.CanPush() {
			return processor.StatusPortFull, nil
		}
		if err := out.Push(s.chunk); err != nil {
			return 0, err
		}
		s.hasChunk = false
	}
	if s.emitted >= s.total {
		out.Finish()
		return processor.StatusFinished, nil
	}
	if !out.CanPush() {
		return processor.StatusPortFull, nil
	}
	if !s.primed {
		return processor.StatusReady, nil
	}
	return processor.StatusAsync, nil
}

func (s *asyncSource) Work() error {
	if !s.primed {
		s.primed = true
		return nil
	}
	s.chunk = s.emitted
	s.hasChunk = true
	s.emitted++
	return nil
}

func (s *asyncSource) Schedule(ctx context.Context) (<-chan struct{}, error) {
	s.schedules.Add(1)
	if s.contexts != nil {
		select {
		case s.contexts <- ctx:
		default:
		}
	}
	ch := make(chan struct{})
	go func() {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
		close(ch)
	}()
	return ch, nil
}

// scripted returns the statuses and errors it was built with.
type scripted struct {
	processor.Base
	prepare func() (processor.Status, error)
	work    func() error
}

func (s *scripted) Prepare(_, _ []int) (processor.Status, error) { return s.prepare() }

func (s *scripted) Work() error {
	if s.work == nil {
		return nil
	}
	return s.work()
}

func connect(pairs ...processor.Processor) error {
	for i := 0; i+1 < len(pairs); i++ {
		from := pairs[i].Outputs()
		to := pairs[i+1].Inputs()
		if err := processor.Connect(from[len(from)-1], to[0]); err != nil {
			return err
		}
	}
	return nil
}
