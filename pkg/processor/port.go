package processor

import (
	"errors"
	"sync"
)

// Chunk is the opaque unit of data exchanged through ports.
type Chunk any

var (
	// ErrPortConnected is returned when connecting a port that already has a peer.
	ErrPortConnected = errors.New("port is already connected")
	// ErrPortNotConnected is returned when using a port without a peer.
	ErrPortNotConnected = errors.New("port is not connected")
	// ErrPortFinished is returned when pushing to a finished port.
	ErrPortFinished = errors.New("port is finished")
	// ErrPortHasData is returned when pushing to a port whose chunk was not pulled yet.
	ErrPortHasData = errors.New("port already has data")
	// ErrPortNoData is returned when pulling from an empty port.
	ErrPortNoData = errors.New("port has no data")
)

// slot is the state shared by a connected output/input pair. The two owners
// may run concurrently, so every access goes through mu.
type slot struct {
	mu       sync.Mutex
	data     Chunk
	hasData  bool
	finished bool
	needed   bool
}

// InputPort receives chunks from the connected OutputPort.
type InputPort struct {
	owner  Processor
	peer   *OutputPort
	slot   *slot
	update *UpdateInfo
}

// OutputPort sends chunks to the connected InputPort.
type OutputPort struct {
	owner  Processor
	peer   *InputPort
	slot   *slot
	update *UpdateInfo
}

// Connect links out to in. Both ports must be unconnected.
func Connect(out *OutputPort, in *InputPort) error {
	if out.peer != nil || in.peer != nil {
		return ErrPortConnected
	}
	s := &slot{}
	out.peer, in.peer = in, out
	out.slot, in.slot = s, s
	return nil
}

// Processor returns the processor owning the port.
func (p *InputPort) Processor() Processor { return p.owner }

// Peer returns the connected output port, or nil.
func (p *InputPort) Peer() *OutputPort { return p.peer }

// IsConnected reports whether the port has a peer.
func (p *InputPort) IsConnected() bool { return p.peer != nil }

// SetUpdateInfo attaches the signal raised on every state change made through this port.
func (p *InputPort) SetUpdateInfo(u *UpdateInfo) { p.update = u }

// HasData reports whether a chunk is waiting to be pulled.
func (p *InputPort) HasData() bool {
	if p.slot == nil {
		return false
	}
	p.slot.mu.Lock()
	defer p.slot.mu.Unlock()
	return p.slot.hasData
}

// IsFinished reports whether the producer finished and every chunk was pulled.
func (p *InputPort) IsFinished() bool {
	if p.slot == nil {
		return true
	}
	p.slot.mu.Lock()
	defer p.slot.mu.Unlock()
	return p.slot.finished && !p.slot.hasData
}

// SetNeeded asks the producer for more data.
func (p *InputPort) SetNeeded() {
	if p.slot == nil {
		return
	}
	p.slot.mu.Lock()
	changed := !p.slot.needed
	p.slot.needed = true
	p.slot.mu.Unlock()
	if changed {
		p.update.Update()
	}
}

// SetNotNeeded withdraws the request for data without notifying the producer.
func (p *InputPort) SetNotNeeded() {
	if p.slot == nil {
		return
	}
	p.slot.mu.Lock()
	p.slot.needed = false
	p.slot.mu.Unlock()
}

// Pull takes the waiting chunk and, unless keepNeeded is false, asks for the next one.
func (p *InputPort) Pull(keepNeeded bool) (Chunk, error) {
	if p.slot == nil {
		return nil, ErrPortNotConnected
	}
	p.slot.mu.Lock()
	if !p.slot.hasData {
		p.slot.mu.Unlock()
		return nil, ErrPortNoData
	}
	chunk := p.slot.data
	p.slot.data = nil
	p.slot.hasData = false
	p.slot.needed = keepNeeded
	p.slot.mu.Unlock()
	p.update.Update()
	return chunk, nil
}

// Close tells the producer that no more data will be read.
func (p *InputPort) Close() {
	if p.slot == nil {
		return
	}
	p.slot.mu.Lock()
	changed := !p.slot.finished
	p.slot.finished = true
	p.slot.needed = false
	p.slot.mu.Unlock()
	if changed {
		p.update.Update()
	}
}

// Processor returns the processor owning the port.
func (p *OutputPort) Processor() Processor { return p.owner }

// Peer returns the connected input port, or nil.
func (p *OutputPort) Peer() *InputPort { return p.peer }

// IsConnected reports whether the port has a peer.
func (p *OutputPort) IsConnected() bool { return p.peer != nil }

// SetUpdateInfo attaches the signal raised on every state change made through this port.
func (p *OutputPort) SetUpdateInfo(u *UpdateInfo) { p.update = u }

// IsNeeded reports whether the consumer asked for data and is still reading.
func (p *OutputPort) IsNeeded() bool {
	if p.slot == nil {
		return false
	}
	p.slot.mu.Lock()
	defer p.slot.mu.Unlock()
	return p.slot.needed && !p.slot.finished
}

// CanPush reports whether Push would succeed and the consumer wants the chunk.
func (p *OutputPort) CanPush() bool {
	if p.slot == nil {
		return false
	}
	p.slot.mu.Lock()
	defer p.slot.mu.Unlock()
	return p.slot.needed && !p.slot.finished && !p.slot.hasData
}

// HasData reports whether the previously pushed chunk is still unread.
func (p *OutputPort) HasData() bool {
	if p.slot == nil {
		return false
	}
	p.slot.mu.Lock()
	defer p.slot.mu.Unlock()
	return p.slot.hasData
}

// IsFinished reports whether either side finished the port.
func (p *OutputPort) IsFinished() bool {
	if p.slot == nil {
		return true
	}
	p.slot.mu.Lock()
	defer p.slot.mu.Unlock()
	return p.slot.finished
}

// Push hands chunk to the consumer.
func (p *OutputPort) Push(chunk Chunk) error {
	if p.slot == nil {
		return ErrPortNotConnected
	}
	p.slot.mu.Lock()
	switch {
	case p.slot.finished:
		p.slot.mu.Unlock()
		return ErrPortFinished
	case p.slot.hasData:
		p.slot.mu.Unlock()
		return ErrPortHasData
	}
	p.slot.data = chunk
	p.slot.hasData = true
	p.slot.mu.Unlock()
	p.update.Update()
	return nil
}

// Finish tells the consumer that no more chunks will be pushed.
func (p *OutputPort) Finish() {
	if p.slot == nil {
		return
	}
	p.slot.mu.Lock()
	changed := !p.slot.finished
	p.slot.finished = true
	p.slot.mu.Unlock()
	if changed {
		p.update.Update()
	}
}
