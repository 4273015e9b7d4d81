// Package registry tracks which users are bound to which of the three
// Channel Server connections (§4.4) and sweeps away connections that
// stop answering heartbeats.
package registry

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/logging"
	"odin-chat-server/internal/presencebus"
	"odin-chat-server/internal/wire"
)

const shardCount = 64

// ChannelKind identifies which of the three ports a connection is bound
// on (§2).
type ChannelKind int

const (
	ChannelMessage ChannelKind = iota
	ChannelCommand
	ChannelData
)

// Sender is the minimal surface the registry needs to deliver a frame;
// internal/channel.Connection implements it.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

type binding struct {
	conn          Sender
	lastHeartbeat time.Time
}

// userEntry holds one user's up-to-three channel bindings, each
// independently replaceable (last-writer-wins, §4.4's bind rule), plus
// the two-phase heartbeat probe state the sweep drives against the CMD
// binding. probeSentAt is the zero Time while no probe is outstanding.
type userEntry struct {
	mu          sync.Mutex
	bindings    [3]*binding // indexed by ChannelKind
	probeSentAt time.Time
}

func (e *userEntry) anyBound() bool {
	for _, b := range e.bindings {
		if b != nil {
			return true
		}
	}
	return false
}

type shard struct {
	mu    sync.RWMutex
	users map[string]*userEntry
}

// Registry is the sharded user-id -> {msg,cmd,data} connection table,
// sharded the way go-server-3/internal/session/hub.go shards its
// connection map, here keyed by user id instead of a numeric connection
// id since commands and messages are addressed to users, not sockets.
type Registry struct {
	shards           [shardCount]*shard
	heartbeatTimeout time.Duration
	logger           zerolog.Logger
	bus              *presencebus.Bus

	stop chan struct{}
	once sync.Once
}

func New(heartbeatTimeout time.Duration, logger zerolog.Logger, bus *presencebus.Bus) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
		bus:              bus,
		stop:             make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]*userEntry)}
	}
	return r
}

func shardIndex(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32()) % shardCount
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[shardIndex(userID)]
}

func (r *Registry) entry(userID string, create bool) *userEntry {
	s := r.shardFor(userID)
	s.mu.RLock()
	e, ok := s.users[userID]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.users[userID]; ok {
		return e
	}
	e = &userEntry{}
	s.users[userID] = e
	return e
}

// Bind attaches conn as userID's connection for the given channel,
// replacing any previous connection on that same channel (§4.4: a
// rebind on one channel does not disturb the other two). Returns the
// previous Sender so the caller can close it, or nil if there wasn't
// one.
func (r *Registry) Bind(userID string, kind ChannelKind, conn Sender) Sender {
	e := r.entry(userID, true)
	e.mu.Lock()
	wasUnbound := !e.anyBound()
	prev := e.bindings[kind]
	e.bindings[kind] = &binding{conn: conn, lastHeartbeat: time.Now()}
	e.probeSentAt = time.Time{}
	e.mu.Unlock()

	if wasUnbound {
		r.bus.PublishPresence(presencebus.PresenceEvent{UserID: userID, Online: true})
	}
	if prev != nil {
		return prev.conn
	}
	return nil
}

// Get returns the current connection bound to userID on the given
// channel, or nil if unbound.
func (r *Registry) Get(userID string, kind ChannelKind) Sender {
	e := r.entry(userID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bindings[kind]
	if b == nil {
		return nil
	}
	return b.conn
}

// Touch records activity from userID on the given channel, clearing any
// pending heartbeat probe. Only the HEARTBEAT command handler calls it;
// other frames arriving on a channel do not count as activity.
func (r *Registry) Touch(userID string, kind ChannelKind) {
	e := r.entry(userID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.bindings[kind]; b != nil {
		b.lastHeartbeat = time.Now()
		e.probeSentAt = time.Time{}
	}
}

// Unbind clears userID's connection for the given channel only if conn
// is still the one currently bound there (a stale unbind from a
// superseded connection must not clobber its replacement).
func (r *Registry) Unbind(userID string, kind ChannelKind, conn Sender) {
	e := r.entry(userID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	if b := e.bindings[kind]; b != nil && b.conn == conn {
		e.bindings[kind] = nil
	}
	wentOffline := !e.anyBound()
	e.mu.Unlock()

	if wentOffline {
		r.removeIfEmpty(userID)
		r.bus.PublishPresence(presencebus.PresenceEvent{UserID: userID, Online: false})
	}
}

func (r *Registry) removeIfEmpty(userID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		return
	}
	e.mu.Lock()
	empty := !e.anyBound()
	e.mu.Unlock()
	if empty {
		delete(s.users, userID)
	}
}

// IsOnline reports whether userID has at least one bound channel.
func (r *Registry) IsOnline(userID string) bool {
	e := r.entry(userID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anyBound()
}

// StartHeartbeatSweep launches the background loop that probes and, after
// a second consecutive miss, evicts unresponsive users (§4.4: interval
// 60s, timeout 90s). Two consecutive HEARTBEAT misses unbind the user and
// publish one offline presence event on the bus; the sweep pushes no
// FRIEND_OFFLINE command to the user's friends. It snapshots candidate
// users without holding any per-user lock while iterating, matching
// DESIGN.md's registry entry.
func (r *Registry) StartHeartbeatSweep(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		defer logging.RecoverPanic(r.logger, "registry.heartbeatSweep", nil)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepOnce()
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	for _, s := range r.shards {
		s.mu.RLock()
		userIDs := make([]string, 0, len(s.users))
		for id := range s.users {
			userIDs = append(userIDs, id)
		}
		s.mu.RUnlock()

		for _, userID := range userIDs {
			r.sweepUser(userID, now)
		}
	}
}

// sweepUser implements §4.4's two-phase liveness check for one user. A
// user with no CMD binding can never receive (or reply to) a HEARTBEAT
// probe, so such a user falls back to evicting individually stale
// channels outright, the same as a CMD-bound user with no live channels
// left to probe from.
//
// A CMD-bound user instead gets the full probe-then-wait sequence
// (Scenario E): the first sweep to find the user idle past
// heartbeatTimeout sends one HEARTBEAT on the CMD channel and records
// probeSentAt, without touching any binding; only if a second full
// heartbeatTimeout elapses with no Touch (i.e. no HEARTBEAT reply) since
// that probe does the user get unbound — all three channels at once, with
// exactly one offline presence event published on the bus and no
// FRIEND_OFFLINE command pushed to friends.
func (r *Registry) sweepUser(userID string, now time.Time) {
	e := r.entry(userID, false)
	if e == nil {
		return
	}

	e.mu.Lock()
	cmdBinding := e.bindings[ChannelCommand]
	if cmdBinding == nil {
		stale, wentOffline := e.evictStaleChannelsLocked(now, r.heartbeatTimeout)
		e.mu.Unlock()
		r.finishEviction(userID, stale, wentOffline && len(stale) > 0)
		return
	}

	lastActive := cmdBinding.lastHeartbeat
	for _, b := range e.bindings {
		if b != nil && b.lastHeartbeat.After(lastActive) {
			lastActive = b.lastHeartbeat
		}
	}

	switch {
	case now.Sub(lastActive) <= r.heartbeatTimeout:
		e.probeSentAt = time.Time{}
		e.mu.Unlock()
		return
	case e.probeSentAt.IsZero():
		e.probeSentAt = now
		probeConn := cmdBinding.conn
		e.mu.Unlock()
		r.sendHeartbeatProbe(userID, probeConn)
		return
	case now.Sub(e.probeSentAt) <= r.heartbeatTimeout:
		e.mu.Unlock()
		return
	}

	var stale []Sender
	for k, b := range e.bindings {
		if b != nil {
			stale = append(stale, b.conn)
			e.bindings[k] = nil
		}
	}
	e.probeSentAt = time.Time{}
	e.mu.Unlock()
	r.finishEviction(userID, stale, len(stale) > 0)
}

// evictStaleChannelsLocked clears every binding idle past timeout,
// returning the evicted Senders and whether the user ended up fully
// unbound. Must be called with e.mu held.
func (e *userEntry) evictStaleChannelsLocked(now time.Time, timeout time.Duration) ([]Sender, bool) {
	var stale []Sender
	for k, b := range e.bindings {
		if b != nil && now.Sub(b.lastHeartbeat) > timeout {
			stale = append(stale, b.conn)
			e.bindings[k] = nil
		}
	}
	return stale, !e.anyBound()
}

// finishEviction closes every stale connection and, if the user ended up
// with no bound channel, removes the (now-empty) entry and publishes the
// offline presence event exactly once.
func (r *Registry) finishEviction(userID string, stale []Sender, wentOffline bool) {
	for _, conn := range stale {
		if conn != nil {
			_ = conn.Close()
		}
	}
	if !wentOffline {
		return
	}
	r.removeIfEmpty(userID)
	r.logger.Info().Str("user_id", userID).Msg("heartbeat timeout, user marked offline")
	r.bus.PublishPresence(presencebus.PresenceEvent{UserID: userID, Online: false})
}

// sendHeartbeatProbe pushes a server-initiated HEARTBEAT on the user's
// CMD connection (§4.4). A HEARTBEAT reply touches the binding and clears
// the pending probe before the next sweep runs; other traffic does not.
func (r *Registry) sendHeartbeatProbe(userID string, conn Sender) {
	req := wire.CommandRequest{Action: wire.ActionHeartbeat}
	env, err := wire.Encode(userID, wire.PayloadCommandRequest, req)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("failed to encode heartbeat probe")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("failed to marshal heartbeat probe")
		return
	}
	if err := conn.Send(data); err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID).Msg("heartbeat probe not delivered")
	}
}

// Stop ends the heartbeat sweep loop.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}
