package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(base, max int, busy ...int) *PortAllocator {
	p := NewPortAllocator(base, max)
	taken := make(map[int]bool, len(busy))
	for _, port := range busy {
		taken[port] = true
	}
	p.probe = func(port int) bool { return !taken[port] }
	return p
}

func TestPortAllocator_AllocatesSequentially(t *testing.T) {
	p := newTestAllocator(9200, 9202)

	first, err := p.Allocate("a1")
	require.NoError(t, err)
	second, err := p.Allocate("a2")
	require.NoError(t, err)

	assert.Equal(t, 9200, first)
	assert.Equal(t, 9201, second)
	assert.True(t, p.IsAllocated(9200))
}

func TestPortAllocator_SkipsPortsInUseOnHost(t *testing.T) {
	p := newTestAllocator(9200, 9202, 9200)

	port, err := p.Allocate("a1")
	require.NoError(t, err)
	assert.Equal(t, 9201, port)
}

func TestPortAllocator_Exhausted(t *testing.T) {
	p := newTestAllocator(9200, 9200)

	_, err := p.Allocate("a1")
	require.NoError(t, err)
	_, err = p.Allocate("a2")
	assert.Error(t, err)
}

func TestPortAllocator_ReleaseMakesPortReusable(t *testing.T) {
	p := newTestAllocator(9200, 9200)

	port, err := p.Allocate("a1")
	require.NoError(t, err)
	p.Release(port)
	p.Release(port)
	assert.False(t, p.IsAllocated(port))

	again, err := p.Allocate("a2")
	require.NoError(t, err)
	assert.Equal(t, port, again)
}
