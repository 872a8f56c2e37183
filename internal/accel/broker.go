package accel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
)

// BrokerConfig sizes the shared accelerator.
type BrokerConfig struct {
	Capacity         int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// BrokerStats is a snapshot of broker state.
type BrokerStats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
	Holders  int `json:"holders"`
}

// Broker owns accelerator capacity for every process attached to the bus.
// Holders acquire and release leases by request/reply and heartbeat while
// alive; leases of holders that go silent are reclaimed.
type Broker struct {
	cfg    BrokerConfig
	pool   *slotPool
	bus    *bus.Client
	log    *slog.Logger
	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	holders map[string]time.Time
}

func NewBroker(ctx context.Context, cfg BrokerConfig, client *bus.Client, log *slog.Logger) (*Broker, error) {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 4 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 4
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Broker{
		cfg:     cfg,
		pool:    newSlotPool(cfg.Capacity),
		bus:     client,
		log:     log.With(slog.String("component", "accel-broker")),
		cancel:  cancel,
		holders: make(map[string]time.Time),
	}
	b.cfg.Capacity = b.pool.capacity

	if err := b.initMetrics(); err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := b.subscribe(); err != nil {
		b.Close()
		return nil, err
	}

	b.wg.Add(1)
	go b.sweepLoop(ctx)

	b.log.Info("accelerator broker ready", slog.Int("capacity", b.cfg.Capacity))
	return b, nil
}

func (b *Broker) subscribe() error {
	conn := b.bus.Conn()
	acquire, err := conn.Subscribe(protocol.SubjectSlotAcquire, b.handleAcquire)
	if err != nil {
		return fmt.Errorf("subscribe acquire: %w", err)
	}
	b.subs = append(b.subs, acquire)

	release, err := conn.Subscribe(protocol.SubjectSlotRelease, b.handleRelease)
	if err != nil {
		return fmt.Errorf("subscribe release: %w", err)
	}
	b.subs = append(b.subs, release)

	heartbeat, err := conn.Subscribe(protocol.SubjectHolderHeartbeatPrefix+".*", b.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	b.subs = append(b.subs, heartbeat)
	return conn.Flush()
}

func (b *Broker) handleAcquire(msg *nats.Msg) {
	var req protocol.SlotRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.HolderID == "" {
		b.log.Warn("invalid slot request")
		b.respond(msg, protocol.SlotGrant{Reason: "invalid request"})
		return
	}
	b.touch(req.HolderID)

	deadline := time.Now().Add(time.Duration(req.WaitMS) * time.Millisecond)
	id, w := b.pool.request(req.HolderID, Priority(req.Priority), deadline, msg, func(id string) {
		b.respond(msg, protocol.SlotGrant{LeaseID: id, Granted: true})
	})
	if w == nil {
		b.respond(msg, protocol.SlotGrant{LeaseID: id, Granted: true})
	}
}

func (b *Broker) handleRelease(msg *nats.Msg) {
	var rel protocol.SlotRelease
	if err := json.Unmarshal(msg.Data, &rel); err != nil {
		b.log.Warn("invalid slot release", slog.String("error", err.Error()))
		return
	}
	if !b.pool.release(rel.LeaseID) {
		b.log.Debug("release for unknown lease", slog.String("lease_id", rel.LeaseID), slog.String("holder_id", rel.HolderID))
	}
}

func (b *Broker) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.HolderHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		b.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.HolderID == "" {
		return
	}
	b.touch(hb.HolderID)

	// leases the holder no longer reports were lost with a release message
	keep := make(map[string]bool, len(hb.Leases))
	for _, id := range hb.Leases {
		keep[id] = true
	}
	cutoff := time.Now().Add(-b.cfg.HeartbeatTimeout)
	if n := b.pool.releaseHolder(hb.HolderID, cutoff, keep); n > 0 {
		b.log.Warn("reclaimed unreported leases", slog.String("holder_id", hb.HolderID), slog.Int("leases", n))
	}
}

func (b *Broker) touch(holder string) {
	b.mu.Lock()
	b.holders[holder] = time.Now()
	b.mu.Unlock()
}

func (b *Broker) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

func (b *Broker) sweep(now time.Time) {
	var dead []string
	b.mu.Lock()
	for holder, seen := range b.holders {
		if now.Sub(seen) > b.cfg.HeartbeatTimeout {
			dead = append(dead, holder)
			delete(b.holders, holder)
		}
	}
	b.mu.Unlock()

	for _, holder := range dead {
		if n := b.pool.releaseHolder(holder, now.Add(time.Second), nil); n > 0 {
			b.log.Warn("reclaimed leases of silent holder", slog.String("holder_id", holder), slog.Int("leases", n))
		}
	}

	for _, w := range b.pool.expire(now) {
		if msg, ok := w.token.(*nats.Msg); ok {
			b.respond(msg, protocol.SlotGrant{Reason: "capacity exhausted"})
		}
	}
}

func (b *Broker) respond(msg *nats.Msg, grant protocol.SlotGrant) {
	payload, err := json.Marshal(grant)
	if err != nil {
		b.log.Error("failed to marshal slot grant", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		b.log.Warn("failed to answer slot request", slog.String("error", err.Error()))
		if grant.Granted {
			b.pool.release(grant.LeaseID)
		}
	}
}

func (b *Broker) Stats() BrokerStats {
	inUse, waiting := b.pool.stats()
	b.mu.Lock()
	holders := len(b.holders)
	b.mu.Unlock()
	return BrokerStats{Capacity: b.cfg.Capacity, InUse: inUse, Waiting: waiting, Holders: holders}
}

func (b *Broker) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.wg.Wait()
}

func (b *Broker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-whisper/accel")
	gauge, err := meter.Int64ObservableGauge("loqa.accel.leases", metric.WithDescription("Accelerator leases currently granted by the broker"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		inUse, _ := b.pool.stats()
		obs.ObserveInt64(gauge, int64(inUse))
		return nil
	}, gauge)
	return err
}

// busArbiter admits work through a Broker reachable on the bus.
type busArbiter struct {
	bus      *bus.Client
	holderID string
	capacity int
	timeout  time.Duration
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	held   map[string]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BusArbiterConfig configures a holder of broker leases.
type BusArbiterConfig struct {
	HolderID          string
	Capacity          int
	AcquireTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// NewBusArbiter returns an Arbiter backed by a remote Broker. It heartbeats
// every HeartbeatInterval until closed.
func NewBusArbiter(ctx context.Context, cfg BusArbiterConfig, client *bus.Client, log *slog.Logger) Arbiter {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &busArbiter{
		bus:      client,
		holderID: cfg.HolderID,
		capacity: cfg.Capacity,
		timeout:  cfg.AcquireTimeout,
		interval: cfg.HeartbeatInterval,
		log:      log.With(slog.String("component", "accel-arbiter"), slog.String("holder_id", cfg.HolderID)),
		held:     make(map[string]struct{}),
		cancel:   cancel,
	}
	a.wg.Add(1)
	go a.runHeartbeat(ctx)
	return a
}

func (a *busArbiter) Capacity() int { return a.capacity }

func (a *busArbiter) Acquire(ctx context.Context, priority Priority) (Lease, error) {
	start := time.Now()
	// leave the broker room to answer "busy" before the request itself times out
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout+500*time.Millisecond)
	defer cancel()

	req := protocol.SlotRequest{HolderID: a.holderID, Priority: int(priority), WaitMS: int(a.timeout.Milliseconds())}
	var grant protocol.SlotGrant
	if err := a.bus.RequestJSON(reqCtx, protocol.SubjectSlotAcquire, req, &grant); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := err.Error()
		if errors.Is(err, nats.ErrNoResponders) {
			reason = "no accelerator broker"
		}
		return nil, &ResourceBusyError{Waited: time.Since(start), Reason: reason}
	}
	if !grant.Granted {
		return nil, &ResourceBusyError{Waited: time.Since(start), Reason: grant.Reason}
	}

	a.mu.Lock()
	a.held[grant.LeaseID] = struct{}{}
	a.mu.Unlock()
	return &busLease{id: grant.LeaseID, arbiter: a}, nil
}

func (a *busArbiter) release(leaseID string) {
	a.mu.Lock()
	delete(a.held, leaseID)
	a.mu.Unlock()
	if err := a.bus.PublishJSON(protocol.SubjectSlotRelease, protocol.SlotRelease{HolderID: a.holderID, LeaseID: leaseID}); err != nil {
		a.log.Warn("failed to release lease", slog.String("lease_id", leaseID), slog.String("error", err.Error()))
	}
}

func (a *busArbiter) runHeartbeat(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *busArbiter) publishHeartbeat() error {
	a.mu.Lock()
	leases := make([]string, 0, len(a.held))
	for id := range a.held {
		leases = append(leases, id)
	}
	a.mu.Unlock()
	msg := protocol.HolderHeartbeat{HolderID: a.holderID, Leases: leases, Timestamp: time.Now().UTC()}
	return a.bus.PublishJSON(fmt.Sprintf("%s.%s", protocol.SubjectHolderHeartbeatPrefix, a.holderID), msg)
}

// Close stops heartbeating and returns every lease still held.
func (a *busArbiter) Close() error {
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	ids := make([]string, 0, len(a.held))
	for id := range a.held {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.release(id)
	}
	return nil
}

type busLease struct {
	id      string
	arbiter *busArbiter
	once    sync.Once
}

func (l *busLease) ID() string { return l.id }

func (l *busLease) Release() {
	l.once.Do(func() { l.arbiter.release(l.id) })
}
