package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stubProcessor struct {
	Base
}

func (s *stubProcessor) Prepare(_, _ []int) (Status, error) { return StatusFinished, nil }
func (s *stubProcessor) Work() error                        { return nil }

func newStub(name string, inputs, outputs int) *stubProcessor {
	s := &stubProcessor{Base: NewBase(name)}
	for i := 0; i < inputs; i++ {
		s.AddInput(s)
	}
	for i := 0; i < outputs; i++ {
		s.AddOutput(s)
	}
	return s
}

func TestConnect(t *testing.T) {
	src := newStub("src", 0, 1)
	dst := newStub("dst", 1, 0)

	require.NoError(t, Connect(src.Outputs()[0], dst.Inputs()[0]))
	assert.True(t, src.Outputs()[0].IsConnected())
	assert.Same(t, dst.Inputs()[0], src.Outputs()[0].Peer())
	assert.Same(t, src.Outputs()[0], dst.Inputs()[0].Peer())
	assert.Equal(t, src, dst.Inputs()[0].Peer().Processor())

	other := newStub("other", 1, 0)
	assert.ErrorIs(t, Connect(src.Outputs()[0], other.Inputs()[0]), ErrPortConnected)
}

func TestPortDataFlow(t *testing.T) {
	src := newStub("src", 0, 1)
	dst := newStub("dst", 1, 0)
	out, in := src.Outputs()[0], dst.Inputs()[0]
	require.NoError(t, Connect(out, in))

	assert.False(t, out.CanPush(), "nothing was requested yet")
	in.SetNeeded()
	assert.True(t, out.IsNeeded())
	assert.True(t, out.CanPush())

	require.NoError(t, out.Push(7))
	assert.False(t, out.CanPush())
	assert.ErrorIs(t, out.Push(8), ErrPortHasData)
	assert.True(t, in.HasData())

	chunk, err := in.Pull(true)
	require.NoError(t, err)
	assert.Equal(t, 7, chunk)
	assert.False(t, in.HasData())
	assert.True(t, out.CanPush())

	_, err = in.Pull(true)
	assert.ErrorIs(t, err, ErrPortNoData)

	out.Finish()
	assert.True(t, in.IsFinished())
	assert.ErrorIs(t, out.Push(9), ErrPortFinished)
}

func TestInputFinishedOnlyAfterDrain(t *testing.T) {
	src := newStub("src", 0, 1)
	dst := newStub("dst", 1, 0)
	out, in := src.Outputs()[0], dst.Inputs()[0]
	require.NoError(t, Connect(out, in))

	in.SetNeeded()
	require.NoError(t, out.Push("last"))
	out.Finish()
	assert.False(t, in.IsFinished(), "a pending chunk keeps the port open")

	_, err := in.Pull(false)
	require.NoError(t, err)
	assert.True(t, in.IsFinished())
}

func TestCloseStopsProducer(t *testing.T) {
	src := newStub("src", 0, 1)
	dst := newStub("dst", 1, 0)
	out, in := src.Outputs()[0], dst.Inputs()[0]
	require.NoError(t, Connect(out, in))

	in.SetNeeded()
	in.Close()
	assert.True(t, out.IsFinished())
	assert.False(t, out.IsNeeded())
}

func TestPortUpdatesNotifyOncePerTrigger(t *testing.T) {
	src := newStub("src", 0, 1)
	dst := newStub("dst", 1, 0)
	out, in := src.Outputs()[0], dst.Inputs()[0]
	require.NoError(t, Connect(out, in))

	var outNotified, inNotified int
	out.SetUpdateInfo(&UpdateInfo{Notify: func() { outNotified++ }})
	inInfo := &UpdateInfo{Notify: func() { inNotified++ }}
	in.SetUpdateInfo(inInfo)

	in.SetNeeded()
	in.SetNeeded() // no state change
	assert.Equal(t, 1, inNotified)

	require.NoError(t, out.Push(1))
	assert.Equal(t, 1, outNotified)

	_, err := in.Pull(true)
	require.NoError(t, err)
	assert.Equal(t, 1, inNotified, "folded into the pending update")

	inInfo.Trigger()
	in.Close()
	assert.Equal(t, 2, inNotified)
}

func TestPortNumbers(t *testing.T) {
	p := newStub("p", 2, 3)
	assert.Equal(t, 1, InputPortNumber(p, p.Inputs()[1]))
	assert.Equal(t, 2, OutputPortNumber(p, p.Outputs()[2]))
	assert.Equal(t, -1, InputPortNumber(p, &InputPort{}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ExpandPipeline", StatusExpandPipeline.String())
	assert.Equal(t, "Status(42)", Status(42).String())

	text, err := StatusPortFull.MarshalText()
	require.NoError(t, err)
	var s Status
	require.NoError(t, s.UnmarshalText(text))
	assert.Equal(t, StatusPortFull, s)
	assert.Error(t, s.UnmarshalText([]byte("Sleeping")))
}

func TestUpdateInfoProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		notified := 0
		u := &UpdateInfo{Notify: func() { notified++ }}

		ops := rapid.SliceOf(rapid.Bool()).Draw(t, "ops")
		expected := 0
		dirty := false
		for _, isUpdate := range ops {
			if isUpdate {
				u.Update()
				if !dirty {
					expected++
				}
				dirty = true
			} else {
				u.Trigger()
				dirty = false
			}
		}
		if notified != expected {
			t.Fatalf("expected %d notifications, got %d", expected, notified)
		}
	})
}
