package port

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// MaxPort is the highest valid TCP port.
const MaxPort = 65535

var (
	// ErrReserved is returned when the port is held by another instance.
	ErrReserved = errors.New("port already reserved")

	// ErrInUse is returned when something outside this process is bound to the port.
	ErrInUse = errors.New("port in use")
)

// Derive returns the forwarding port for an instance suffix.
func Derive(base, suffix int) int {
	return base + suffix
}

// Allocator tracks which local forwarding ports belong to which instance.
// Ports are derived by the caller; the allocator only guards against handing
// the same port to two live instances or to a port another process holds.
type Allocator struct {
	mu        sync.Mutex
	allocated map[string]int // instance id → port
	usedPorts map[int]string // port → instance id
	available func(port int) bool
}

// Option configures the allocator.
type Option func(*Allocator)

// WithAvailability replaces the local bind check, mainly for tests.
func WithAvailability(f func(port int) bool) Option {
	return func(a *Allocator) {
		a.available = f
	}
}

// NewAllocator creates an empty allocator that checks local availability by
// briefly binding 127.0.0.1:<port>.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		allocated: make(map[string]int),
		usedPorts: make(map[int]string),
		available: isPortAvailable,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reserve records port as belonging to id. Idempotent for the same pair.
func (a *Allocator) Reserve(id string, port int) error {
	if port <= 0 || port > MaxPort {
		return fmt.Errorf("port %d out of range", port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.usedPorts[port]; ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("%w: %d held by %q", ErrReserved, port, existing)
	}
	if prev, ok := a.allocated[id]; ok {
		return fmt.Errorf("instance %q already holds port %d", id, prev)
	}
	if !a.available(port) {
		return fmt.Errorf("%w: %d", ErrInUse, port)
	}

	a.allocated[id] = port
	a.usedPorts[port] = id
	return nil
}

// Release frees the port reserved for id.
func (a *Allocator) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[id]; ok {
		delete(a.usedPorts, port)
		delete(a.allocated, id)
	}
}

// Port returns the port reserved for id, or 0 if none.
func (a *Allocator) Port(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[id]
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
