package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/splax/previewd/internal/domain"
)

// ErrPortExhaustion is returned when no port in range is free after a full scan.
var ErrPortExhaustion = errors.New("port range exhausted")

// ProbeFunc reports whether port can be bound on the host right now.
type ProbeFunc func(host string, port int) bool

// Stats summarises the lease table.
type Stats struct {
	Total   int                `json:"total"`
	Leased  int                `json:"leased"`
	Free    int                `json:"free"`
	MinPort int                `json:"min_port"`
	MaxPort int                `json:"max_port"`
	Leases  []domain.PortLease `json:"leases"`
}

// Allocator leases ports from the half-open range [min, max).
type Allocator struct {
	mu     sync.Mutex
	host   string
	min    int
	max    int
	leases map[int]domain.PortLease
	probe  ProbeFunc
	now    func() time.Time
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithProbe replaces the OS bind probe.
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) {
		if probe != nil {
			a.probe = probe
		}
	}
}

// WithClock overrides the lease timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAllocator builds an allocator for [min, max) probing binds on host.
func NewAllocator(host string, min, max int, opts ...Option) (*Allocator, error) {
	if min <= 0 || max > 65536 || min >= max {
		return nil, fmt.Errorf("invalid port range [%d, %d)", min, max)
	}
	a := &Allocator{
		host:   host,
		min:    min,
		max:    max,
		leases: make(map[int]domain.PortLease),
		probe:  BindProbe,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// BindProbe confirms the port is free by binding and immediately closing it.
func BindProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Lease returns the lowest free port in range and records owner against it.
// Ports held in the table or failing the bind probe are skipped.
func (a *Allocator) Lease(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port < a.max; port++ {
		if _, taken := a.leases[port]; taken {
			continue
		}
		if !a.probe(a.host, port) {
			continue
		}
		a.leases[port] = domain.PortLease{Port: port, Owner: owner, LeasedAt: a.now().UTC()}
		return port, nil
	}
	return 0, fmt.Errorf("%w: [%d, %d)", ErrPortExhaustion, a.min, a.max)
}

// Release frees port. Releasing a free port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.leases, port)
	a.mu.Unlock()
}

// ReleaseOwner frees every port leased to owner and returns how many were freed.
func (a *Allocator) ReleaseOwner(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	released := 0
	for port, lease := range a.leases {
		if lease.Owner == owner {
			delete(a.leases, port)
			released++
		}
	}
	return released
}

// Leases returns a snapshot of the lease table ordered by port.
func (a *Allocator) Leases() []domain.PortLease {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Stats returns aggregate allocation figures.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.max - a.min
	return Stats{
		Total:   total,
		Leased:  len(a.leases),
		Free:    total - len(a.leases),
		MinPort: a.min,
		MaxPort: a.max,
		Leases:  a.snapshotLocked(),
	}
}

func (a *Allocator) snapshotLocked() []domain.PortLease {
	out := make([]domain.PortLease, 0, len(a.leases))
	for _, lease := range a.leases {
		out = append(out, lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
