package processor

// UpdateInfo is the dirty bit of one graph edge. A port raises it on every
// state change; the first raise after a Trigger invokes Notify, later raises
// are folded into it until the executor triggers the edge again.
//
// UpdateInfo is only touched by the goroutine that currently owns the port's
// processor, so it needs no locking of its own.
type UpdateInfo struct {
	Notify func()

	version     uint64
	prevVersion uint64
}

// Update marks the edge dirty.
func (u *UpdateInfo) Update() {
	if u == nil {
		return
	}
	if u.version == u.prevVersion && u.Notify != nil {
		u.Notify()
	}
	u.version++
}

// Trigger acknowledges all updates recorded so far.
func (u *UpdateInfo) Trigger() {
	if u == nil {
		return
	}
	u.prevVersion = u.version
}
