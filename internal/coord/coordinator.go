package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/npiesco/absurder-sql-sub002/internal/logging"
	"github.com/npiesco/absurder-sql-sub002/internal/storage"
)

const (
	// DefaultLeaseDuration is L: a lease not renewed within it expires.
	DefaultLeaseDuration = 5 * time.Second

	// DefaultHeartbeatInterval is H: how often the leader renews and
	// followers re-check the lease. H must be well under L.
	DefaultHeartbeatInterval = time.Second
)

// Options configures a Coordinator.
type Options struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
}

// Coordinator provides single-writer discipline across opener instances of
// one logical database sharing a registry: lease-based leader election with
// heartbeat renewal, forced takeover stamped with a higher epoch, and typed
// change broadcasts.
type Coordinator struct {
	db         string
	instanceID string
	reg        Registry
	ch         Channel
	bus        *Bus
	lease      time.Duration
	heartbeat  time.Duration

	mu       sync.Mutex
	isLeader bool
	epoch    uint64
	closed   bool

	stopCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	metrics coordMetrics
}

// New creates a coordinator for db over the given registry and channel.
// Each opener draws a fresh random instance id.
func New(db string, reg Registry, ch Channel, opts Options) *Coordinator {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Coordinator{
		db:         storage.NormalizeDBName(db),
		instanceID: uuid.NewString(),
		reg:        reg,
		ch:         ch,
		bus:        NewBus(),
		lease:      opts.LeaseDuration,
		heartbeat:  opts.HeartbeatInterval,
		stopCh:     make(chan struct{}),
	}
}

// InstanceID returns this opener's identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Bus returns the notification bus for handler registration.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Channel returns the underlying broadcast channel; the write queue shares it.
func (c *Coordinator) Channel() Channel { return c.ch }

// Start registers the instance, attempts an uncontested acquisition, and
// launches the heartbeat loop.
func (c *Coordinator) Start() error {
	if err := c.registerInstance(); err != nil {
		return err
	}
	if err := c.writeHeartbeat(); err != nil {
		return err
	}
	c.unsubscribe = c.ch.Subscribe(c.onMessage)
	if _, err := c.tryAcquire(false); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
	return nil
}

// IsLeader reports whether this instance holds the current lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// CurrentLeader returns the lease on record, if any.
func (c *Coordinator) CurrentLeader() (Lease, bool, error) {
	raw, ok, err := c.reg.Get(leaderKey(c.db))
	if err != nil || !ok {
		return Lease{}, false, err
	}
	lease, err := ParseLease(raw)
	if err != nil {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// RequestLeadership triggers a contested election regardless of lease
// state; the winning write carries a higher epoch and the previous leader
// demotes itself on observing it.
func (c *Coordinator) RequestLeadership() error {
	won, err := c.tryAcquire(true)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("request leadership: %w", storage.ErrLeaderChanged)
	}
	return nil
}

// tryAcquire runs one election. When forced, an unexpired foreign lease is
// contested anyway. Retries use exponential backoff from 1ms capped at
// 100ms; a valid foreign lease ends an unforced attempt.
func (c *Coordinator) tryAcquire(forced bool) (bool, error) {
	log := logging.WithComponent("coord").With().Str("db", c.db).Logger()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = c.lease

	var won bool
	err := backoff.Retry(func() error {
		raw, exists, err := c.reg.Get(leaderKey(c.db))
		if err != nil {
			return backoff.Permanent(err)
		}
		now := time.Now().UnixMilli()
		var observed Lease
		if exists {
			observed, err = ParseLease(raw)
			if err != nil {
				// Malformed record: treat as an expired epoch-zero lease.
				observed = Lease{}
			}
		}
		if exists && !forced && !observed.Expired(now) && observed.InstanceID != c.instanceID {
			// Someone else holds a live lease; nothing to contest.
			return nil
		}
		next := Lease{
			InstanceID: c.instanceID,
			ExpiryMS:   now + c.lease.Milliseconds(),
			Epoch:      observed.Epoch + 1,
		}
		old := ""
		if exists {
			old = raw
		}
		swapped, err := c.reg.CompareAndSet(leaderKey(c.db), old, next.Encode())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !swapped {
			c.metrics.incWriteConflicts()
			return fmt.Errorf("election lost cas race")
		}
		c.mu.Lock()
		c.isLeader = true
		c.epoch = next.Epoch
		c.mu.Unlock()
		won = true
		return nil
	}, bo)
	if err != nil {
		if forced {
			return false, wrapElection(err)
		}
		// An unforced attempt that kept losing races simply stays follower.
		log.Debug().Err(err).Msg("election attempt ended")
		return false, nil
	}
	if won {
		c.metrics.incLeadershipChanges()
		log.Debug().Str("instance", c.instanceID).Msg("acquired leadership")
		c.broadcastLeaderChanged()
	}
	return won, nil
}

func wrapElection(err error) error {
	return fmt.Errorf("election: %w", err)
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.heartbeatTick()
		}
	}
}

// heartbeatTick renews the lease when leading, watches for expiry when
// following, and demotes on observing a higher epoch.
func (c *Coordinator) heartbeatTick() {
	log := logging.WithComponent("coord").With().Str("db", c.db).Logger()
	if err := c.writeHeartbeat(); err != nil {
		log.Warn().Err(err).Msg("heartbeat write failed")
	}

	raw, exists, err := c.reg.Get(leaderKey(c.db))
	if err != nil {
		log.Warn().Err(err).Msg("lease read failed")
		return
	}

	c.mu.Lock()
	leading := c.isLeader
	myEpoch := c.epoch
	c.mu.Unlock()

	now := time.Now().UnixMilli()
	if !exists {
		if _, err := c.tryAcquire(false); err != nil {
			log.Warn().Err(err).Msg("election failed")
		}
		return
	}
	observed, perr := ParseLease(raw)
	if perr != nil {
		observed = Lease{}
	}

	switch {
	case leading && observed.InstanceID == c.instanceID && observed.Epoch <= myEpoch:
		next := Lease{InstanceID: c.instanceID, ExpiryMS: now + c.lease.Milliseconds(), Epoch: myEpoch}
		swapped, err := c.reg.CompareAndSet(leaderKey(c.db), raw, next.Encode())
		if err != nil {
			log.Warn().Err(err).Msg("lease renewal failed")
			return
		}
		if !swapped {
			// Lost a race with a contested takeover; next tick resolves it.
			c.metrics.incWriteConflicts()
			return
		}
		c.cleanupDeadInstances(now)
	case leading:
		// Higher epoch or foreign instance in the key: demote.
		c.demote(observed)
	default:
		if observed.Expired(now) {
			if _, err := c.tryAcquire(false); err != nil {
				log.Warn().Err(err).Msg("election failed")
			}
		}
	}
}

// demote stops claiming leadership after observing a superseding lease.
func (c *Coordinator) demote(observed Lease) {
	c.mu.Lock()
	was := c.isLeader
	c.isLeader = false
	c.mu.Unlock()
	if was {
		c.metrics.incLeadershipChanges()
		logging.WithComponent("coord").Debug().
			Str("db", c.db).
			Str("new_leader", observed.InstanceID).
			Msg("demoted")
	}
}

// registerInstance appends this instance to the shared instances record.
func (c *Coordinator) registerInstance() error {
	key := instancesKey(c.db)
	for i := 0; i < 32; i++ {
		raw, exists, err := c.reg.Get(key)
		if err != nil {
			return err
		}
		ids := parseInstances(raw)
		for _, id := range ids {
			if id == c.instanceID {
				return nil
			}
		}
		ids = append(ids, c.instanceID)
		old := ""
		if exists {
			old = raw
		}
		swapped, err := c.reg.CompareAndSet(key, old, encodeInstances(ids))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("register instance: persistent cas contention")
}

// deregisterInstance removes this instance from the shared record.
func (c *Coordinator) deregisterInstance() {
	key := instancesKey(c.db)
	for i := 0; i < 32; i++ {
		raw, exists, err := c.reg.Get(key)
		if err != nil || !exists {
			return
		}
		ids := parseInstances(raw)
		kept := ids[:0]
		for _, id := range ids {
			if id != c.instanceID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(ids) {
			return
		}
		swapped, err := c.reg.CompareAndSet(key, raw, encodeInstances(kept))
		if err != nil || swapped {
			return
		}
	}
}

func (c *Coordinator) writeHeartbeat() error {
	return c.reg.Set(heartbeatKey(c.instanceID, c.db), strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// cleanupDeadInstances removes instances whose heartbeat is older than two
// lease durations. Leader-only housekeeping.
func (c *Coordinator) cleanupDeadInstances(nowMS int64) {
	raw, exists, err := c.reg.Get(instancesKey(c.db))
	if err != nil || !exists {
		return
	}
	ids := parseInstances(raw)
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == c.instanceID {
			kept = append(kept, id)
			continue
		}
		hb, ok, err := c.reg.Get(heartbeatKey(id, c.db))
		if err != nil {
			kept = append(kept, id)
			continue
		}
		alive := false
		if ok {
			if ts, err := strconv.ParseInt(hb, 10, 64); err == nil {
				if safeDeltaMS(nowMS, ts) < 2*c.lease.Milliseconds() {
					alive = true
				}
			}
		}
		if alive {
			kept = append(kept, id)
		} else {
			_ = c.reg.Delete(heartbeatKey(id, c.db))
		}
	}
	if len(kept) != len(ids) {
		_, _ = c.reg.CompareAndSet(instancesKey(c.db), raw, encodeInstances(kept))
	}
}

// onMessage handles every channel message: notifications feed the bus and
// the latency metric; a LeaderChanged naming someone else demotes us
// without waiting for the next heartbeat.
func (c *Coordinator) onMessage(msg Message) {
	if msg.DB != c.db || msg.Kind != KindNotification {
		return
	}
	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return
	}
	c.metrics.observeNotificationLatency(safeDeltaMS(time.Now().UnixMilli(), msg.TimestampMS))
	if n.Type == NotifyLeaderChanged && n.NewLeader != c.instanceID {
		c.mu.Lock()
		was := c.isLeader
		c.isLeader = false
		c.mu.Unlock()
		if was {
			c.metrics.incLeadershipChanges()
		}
	}
	c.bus.Dispatch(context.Background(), n)
}

// BroadcastDataChanged publishes a DataChanged notification. Callers invoke
// it strictly after the sync that produced the change returned.
func (c *Coordinator) BroadcastDataChanged() error {
	return c.broadcast(Notification{
		Type:        NotifyDataChanged,
		DBName:      c.db,
		TimestampMS: time.Now().UnixMilli(),
	})
}

// BroadcastSchemaChanged publishes a SchemaChanged notification after DDL.
func (c *Coordinator) BroadcastSchemaChanged() error {
	return c.broadcast(Notification{
		Type:        NotifySchemaChanged,
		DBName:      c.db,
		TimestampMS: time.Now().UnixMilli(),
	})
}

func (c *Coordinator) broadcastLeaderChanged() {
	_ = c.broadcast(Notification{
		Type:        NotifyLeaderChanged,
		DBName:      c.db,
		TimestampMS: time.Now().UnixMilli(),
		NewLeader:   c.instanceID,
	})
}

func (c *Coordinator) broadcast(n Notification) error {
	msg, err := NewMessage(KindNotification, c.db, c.instanceID, n)
	if err != nil {
		return err
	}
	return c.ch.Publish(msg)
}

// IncFollowerRefreshes records one follower cache refresh.
func (c *Coordinator) IncFollowerRefreshes() {
	c.metrics.incFollowerRefreshes()
}

// Metrics returns a snapshot of the coordination counters.
func (c *Coordinator) Metrics() CoordMetrics {
	return c.metrics.snapshot()
}

// Close stops the heartbeat loop, releases the lease if held, and removes
// this instance's records. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	leading := c.isLeader
	c.isLeader = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if leading {
		// Release the lease so a follower can take over without waiting L.
		raw, ok, err := c.reg.Get(leaderKey(c.db))
		if err == nil && ok {
			if lease, perr := ParseLease(raw); perr == nil && lease.InstanceID == c.instanceID {
				_, _ = c.reg.CompareAndSet(leaderKey(c.db), raw, Lease{
					InstanceID: c.instanceID,
					ExpiryMS:   0,
					Epoch:      lease.Epoch,
				}.Encode())
			}
		}
	}
	_ = c.reg.Delete(heartbeatKey(c.instanceID, c.db))
	c.deregisterInstance()
	return nil
}

// safeDeltaMS returns a-b, degrading to zero when the clock reports an
// unusual (negative) difference.
func safeDeltaMS(a, b int64) int64 {
	d := a - b
	if d < 0 {
		return 0
	}
	return d
}
