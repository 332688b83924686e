package processors

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryKinds(t *testing.T) {
	var names []string
	for _, k := range Default().Kinds() {
		names = append(names, k.Name)
	}
	assert.Equal(t, []string{"collect", "delay", "expand", "fail", "fork", "map", "numbers", "passthrough", "union"}, names)
}

func TestRegistryResolvesAliases(t *testing.T) {
	r := Default()

	k, ok := r.Lookup(" Merge ")
	require.True(t, ok)
	assert.Equal(t, "union", k.Name)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)

	_, err := r.New("nope", "x", nil, 0, 1)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistryChecksPorts(t *testing.T) {
	r := Default()

	_, err := r.New("numbers", "src", nil, 1, 1)
	assert.ErrorIs(t, err, ErrPortCount)
	_, err = r.New("map", "m", nil, 1, 2)
	assert.ErrorIs(t, err, ErrPortCount)
	_, err = r.New("union", "u", nil, 0, 1)
	assert.ErrorIs(t, err, ErrPortCount)

	p, err := r.New("union", "u", nil, 5, 1)
	require.NoError(t, err)
	assert.Len(t, p.Inputs(), 5)

	p, err = r.New("fork", "f", nil, 1, 4)
	require.NoError(t, err)
	assert.Len(t, p.Outputs(), 4)
}

func TestRegistryConfig(t *testing.T) {
	r := Default()

	p, err := r.New("numbers", "src", Config{"count": 7, "start": float64(3), "block_size": json.Number("2")}, 0, 1)
	require.NoError(t, err)
	n := p.(*Numbers)
	assert.Equal(t, NumbersOptions{Start: 3, Count: 7, BlockSize: 2}, n.gen.opts)

	_, err = r.New("numbers", "src", Config{"count": 1.5}, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = r.New("numbers", "src", Config{"block_size": 0}, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = r.New("map", "m", Config{"op": 3}, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = r.New("fail", "f", Config{"after": 0}, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, err = r.New("delay", "d", Config{"interval": "25ms"}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, p.(*Delay).interval)

	_, err = r.New("delay", "d", Config{"interval": "soon"}, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGeneratorTrimsLastBlock(t *testing.T) {
	g := generator{opts: NumbersOptions{Start: 10, Count: 5, BlockSize: 3}}
	assert.Equal(t, Block{10, 11, 12}, g.next())
	assert.False(t, g.exhausted())
	assert.Equal(t, Block{13, 14}, g.next())
	assert.True(t, g.exhausted())
}
