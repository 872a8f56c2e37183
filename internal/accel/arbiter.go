package accel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders waiting work. Higher classes are admitted first; ties are
// broken by arrival.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Lease is one admitted slot of accelerator capacity.
type Lease interface {
	ID() string
	Release()
}

// Arbiter admits work onto the accelerator, never granting more than
// Capacity leases at once.
type Arbiter interface {
	Acquire(ctx context.Context, priority Priority) (Lease, error)
	Capacity() int
	Close() error
}

// slotPool is the capacity bookkeeping shared by the in-process arbiter and
// the bus broker.
type slotPool struct {
	mu       sync.Mutex
	capacity int
	leases   map[string]slotLease
	waiters  []*slotWaiter
	seq      uint64
}

type slotLease struct {
	holder  string
	granted time.Time
}

type slotWaiter struct {
	holder   string
	priority Priority
	seq      uint64
	deadline time.Time
	// token identifies the request to whoever expires the waiter.
	token any
	grant func(leaseID string)
	done  bool
}

func newSlotPool(capacity int) *slotPool {
	if capacity <= 0 {
		capacity = 1
	}
	return &slotPool{capacity: capacity, leases: make(map[string]slotLease)}
}

// request grants a lease immediately when a slot is free. Otherwise it queues
// a waiter whose grant callback fires once a slot frees up.
func (p *slotPool) request(holder string, priority Priority, deadline time.Time, token any, grant func(string)) (string, *slotWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.leases) < p.capacity && len(p.waiters) == 0 {
		return p.grantLocked(holder), nil
	}
	p.seq++
	w := &slotWaiter{holder: holder, priority: priority, seq: p.seq, deadline: deadline, token: token, grant: grant}
	p.waiters = append(p.waiters, w)
	sort.SliceStable(p.waiters, func(i, j int) bool {
		a, b := p.waiters[i], p.waiters[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})
	return "", w
}

func (p *slotPool) grantLocked(holder string) string {
	id := uuid.NewString()
	p.leases[id] = slotLease{holder: holder, granted: time.Now()}
	return id
}

// release frees a lease and hands freed slots to waiters.
func (p *slotPool) release(leaseID string) bool {
	p.mu.Lock()
	_, ok := p.leases[leaseID]
	delete(p.leases, leaseID)
	grants := p.promoteLocked()
	p.mu.Unlock()
	grants.fire()
	return ok
}

// releaseHolder frees every lease of holder granted before cutoff except those in keep.
func (p *slotPool) releaseHolder(holder string, cutoff time.Time, keep map[string]bool) int {
	p.mu.Lock()
	n := 0
	for id, l := range p.leases {
		if l.holder == holder && l.granted.Before(cutoff) && !keep[id] {
			delete(p.leases, id)
			n++
		}
	}
	grants := p.promoteLocked()
	p.mu.Unlock()
	grants.fire()
	return n
}

// cancel removes a waiter. It reports false when the waiter was already granted.
func (p *slotPool) cancel(w *slotWaiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	return true
}

// expire removes waiters whose deadline passed.
func (p *slotPool) expire(now time.Time) []*slotWaiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []*slotWaiter
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if !w.deadline.IsZero() && now.After(w.deadline) {
			w.done = true
			expired = append(expired, w)
			continue
		}
		kept = append(kept, w)
	}
	p.waiters = kept
	return expired
}

type pendingGrants []func()

func (g pendingGrants) fire() {
	for _, f := range g {
		f()
	}
}

func (p *slotPool) promoteLocked() pendingGrants {
	var grants pendingGrants
	for len(p.leases) < p.capacity && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.done = true
		id := p.grantLocked(w.holder)
		grant := w.grant
		grants = append(grants, func() { grant(id) })
	}
	return grants
}

func (p *slotPool) stats() (inUse, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases), len(p.waiters)
}

// localArbiter admits work for the processes sharing this address space.
type localArbiter struct {
	pool    *slotPool
	timeout time.Duration
}

// NewLocalArbiter returns an arbiter with capacity slots. Acquire gives up
// with a ResourceBusyError after timeout.
func NewLocalArbiter(capacity int, timeout time.Duration) Arbiter {
	return &localArbiter{pool: newSlotPool(capacity), timeout: timeout}
}

func (a *localArbiter) Capacity() int { return a.pool.capacity }

func (a *localArbiter) Acquire(ctx context.Context, priority Priority) (Lease, error) {
	start := time.Now()
	granted := make(chan string, 1)
	id, w := a.pool.request("local", priority, time.Time{}, nil, func(id string) { granted <- id })
	if w == nil {
		return &localLease{id: id, pool: a.pool}, nil
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case id := <-granted:
		return &localLease{id: id, pool: a.pool}, nil
	case <-ctx.Done():
		if !a.pool.cancel(w) {
			a.pool.release(<-granted)
		}
		return nil, ctx.Err()
	case <-timer.C:
		if !a.pool.cancel(w) {
			return &localLease{id: <-granted, pool: a.pool}, nil
		}
		return nil, &ResourceBusyError{Waited: time.Since(start)}
	}
}

func (a *localArbiter) Close() error { return nil }

type localLease struct {
	id   string
	pool *slotPool
	once sync.Once
}

func (l *localLease) ID() string { return l.id }

func (l *localLease) Release() {
	l.once.Do(func() { l.pool.release(l.id) })
}
