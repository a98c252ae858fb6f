package sandbox

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortAllocator hands out host ports for sandbox RPC endpoints. It tracks
// which ports are in use and, before handing one out, checks that nothing
// else on the host is listening on it.
type PortAllocator struct {
	basePort  int
	maxPort   int
	allocated map[int]string // port -> agent ID
	probe     func(port int) bool
	mu        sync.Mutex
}

// NewPortAllocator manages ports in the range [basePort, maxPort].
func NewPortAllocator(basePort, maxPort int) *PortAllocator {
	return &PortAllocator{
		basePort:  basePort,
		maxPort:   maxPort,
		allocated: make(map[int]string),
		probe:     portFree,
	}
}

// Allocate reserves a free port for agentID.
func (p *PortAllocator) Allocate(agentID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.basePort; port <= p.maxPort; port++ {
		if _, exists := p.allocated[port]; exists {
			continue
		}
		if !p.probe(port) {
			continue
		}
		p.allocated[port] = agentID
		return port, nil
	}

	return 0, fmt.Errorf("no available ports in range [%d, %d]", p.basePort, p.maxPort)
}

// Release frees a port for reuse. Releasing an unallocated port is a no-op.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.allocated, port)
}

// IsAllocated reports whether the port is currently reserved.
func (p *PortAllocator) IsAllocated(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.allocated[port]
	return exists
}

func portFree(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
