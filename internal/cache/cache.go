// Package cache is the advisory Relation/Presence Cache in front of
// internal/store (§4.9): every write goes to the store first and the
// cache second (store-then-cache), and every miss falls through to the
// store and backfills. On disagreement the store is always right.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % shardCount
}

// relationShard holds the friend, block, and group-id sets of every user
// whose id hashes to it.
type relationShard struct {
	mu       sync.RWMutex
	friends  map[string]map[string]time.Time // owner -> other -> expiresAt
	blocked  map[string]map[string]bool      // owner -> other -> blocked
	groupIDs map[string]map[string]struct{}  // userID -> set of groupIDs
}

// RelationCache mirrors friends/groups (§4.9's first two bullet caches),
// keyed by user id and sharded to bound lock contention across the
// connection registry's per-connection goroutines.
type RelationCache struct {
	shards [shardCount]*relationShard
	ttl    time.Duration
}

// NewRelationCache builds a cache whose user-relation entries expire
// after ttl (§4.9: 24h), so a user who silently changes relations out of
// band eventually self-heals without us needing to invalidate explicitly.
func NewRelationCache(ttl time.Duration) *RelationCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	rc := &RelationCache{ttl: ttl}
	for i := range rc.shards {
		rc.shards[i] = &relationShard{
			friends:  make(map[string]map[string]time.Time),
			blocked:  make(map[string]map[string]bool),
			groupIDs: make(map[string]map[string]struct{}),
		}
	}
	return rc
}

func (rc *RelationCache) shard(userID string) *relationShard {
	return rc.shards[shardFor(userID)]
}

// PutFriend caches that owner and other are friends, store-then-cache
// (call this only after the store write has already committed).
func (rc *RelationCache) PutFriend(owner, other string) {
	s := rc.shard(owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.friends[owner] == nil {
		s.friends[owner] = make(map[string]time.Time)
	}
	s.friends[owner][other] = time.Now().Add(rc.ttl)
}

// RemoveFriend evicts a cached friendship, e.g. after UNFRIEND commits.
func (rc *RelationCache) RemoveFriend(owner, other string) {
	s := rc.shard(owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.friends[owner], other)
	if s.blocked[owner] != nil {
		delete(s.blocked[owner], other)
	}
}

// IsFriend reports cached membership and whether the entry was present
// and unexpired; callers fall through to the store on a (false, false).
func (rc *RelationCache) IsFriend(owner, other string) (isFriend, found bool) {
	s := rc.shard(owner)
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.friends[owner][other]
	if !ok {
		return false, false
	}
	if time.Now().After(exp) {
		return false, false
	}
	return true, true
}

func (rc *RelationCache) SetBlocked(owner, other string, blocked bool) {
	s := rc.shard(owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked[owner] == nil {
		s.blocked[owner] = make(map[string]bool)
	}
	s.blocked[owner][other] = blocked
}

func (rc *RelationCache) IsBlocked(owner, other string) (blocked, found bool) {
	s := rc.shard(owner)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocked[owner][other]
	return b, ok
}

// PutUserGroups caches the complete set of group ids a user belongs to.
func (rc *RelationCache) PutUserGroups(userID string, groupIDs []string) {
	s := rc.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(groupIDs))
	for _, g := range groupIDs {
		set[g] = struct{}{}
	}
	s.groupIDs[userID] = set
}

func (rc *RelationCache) AddUserGroup(userID, groupID string) {
	s := rc.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupIDs[userID] == nil {
		s.groupIDs[userID] = make(map[string]struct{})
	}
	s.groupIDs[userID][groupID] = struct{}{}
}

func (rc *RelationCache) RemoveUserGroup(userID, groupID string) {
	s := rc.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groupIDs[userID], groupID)
}

// UserGroups returns a snapshot of cached group ids, or found=false if
// this user has never been warmed into the cache.
func (rc *RelationCache) UserGroups(userID string) (groupIDs []string, found bool) {
	s := rc.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.groupIDs[userID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	return out, true
}

// groupShard holds one group's metadata and member/admin sets, sharded
// by group id rather than user id since group fan-out is the hot path
// (§4.7's group-message delivery looks up members by group, not user).
type groupShard struct {
	mu      sync.RWMutex
	names   map[string]string
	members map[string]map[string]bool // groupID -> userID -> isAdmin
}

// GroupInfoCache mirrors group_members/group_info (§4.9's third/fourth
// caches): no TTL, since group membership has no natural staleness
// window the way a 24h friend-relation cache does — it is invalidated
// explicitly on every membership-changing command instead.
type GroupInfoCache struct {
	shards [shardCount]*groupShard
}

func NewGroupInfoCache() *GroupInfoCache {
	gc := &GroupInfoCache{}
	for i := range gc.shards {
		gc.shards[i] = &groupShard{
			names:   make(map[string]string),
			members: make(map[string]map[string]bool),
		}
	}
	return gc
}

func (gc *GroupInfoCache) shard(groupID string) *groupShard {
	return gc.shards[shardFor(groupID)]
}

func (gc *GroupInfoCache) PutGroupName(groupID, name string) {
	s := gc.shard(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[groupID] = name
}

func (gc *GroupInfoCache) GroupName(groupID string) (name string, found bool) {
	s := gc.shard(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, found = s.names[groupID]
	return name, found
}

func (gc *GroupInfoCache) PutMembers(groupID string, members map[string]bool) {
	s := gc.shard(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]bool, len(members))
	for k, v := range members {
		cp[k] = v
	}
	s.members[groupID] = cp
}

func (gc *GroupInfoCache) AddMember(groupID, userID string, isAdmin bool) {
	s := gc.shard(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[string]bool)
	}
	s.members[groupID][userID] = isAdmin
}

func (gc *GroupInfoCache) RemoveMember(groupID, userID string) {
	s := gc.shard(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], userID)
}

func (gc *GroupInfoCache) Invalidate(groupID string) {
	s := gc.shard(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, groupID)
	delete(s.names, groupID)
}

// Members returns a snapshot copy, or found=false on a cold cache.
func (gc *GroupInfoCache) Members(groupID string) (members map[string]bool, found bool) {
	s := gc.shard(groupID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[groupID]
	if !ok {
		return nil, false
	}
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp, true
}

// PresenceCache is the fifth §4.9 cache: online/offline by user id. The
// connection registry is the real-time source of truth for "is this user
// bound right now"; this cache exists so command handlers that only need
// a best-effort presence check (e.g. deciding whether to fan out a
// FRIEND_ONLINE notice) don't need a registry lock on every friend in a
// list.
type PresenceCache struct {
	mu      sync.RWMutex
	online  map[string]bool
}

func NewPresenceCache() *PresenceCache {
	return &PresenceCache{online: make(map[string]bool)}
}

func (pc *PresenceCache) SetOnline(userID string, online bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if online {
		pc.online[userID] = true
	} else {
		delete(pc.online, userID)
	}
}

func (pc *PresenceCache) IsOnline(userID string) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.online[userID]
}

// veriEntry is one pending email/phone verification code (§4.9's sixth
// cache): these are cache-only, never persisted, since a code that
// outlives server restart is a code nobody can use anymore anyway.
type veriEntry struct {
	code      string
	expiresAt time.Time
}

// VerifyCodeCache issues and checks short-lived verification codes with
// their own TTL sweep, distinct from the 24h relation TTL.
type VerifyCodeCache struct {
	mu      sync.Mutex
	entries map[string]veriEntry
	ttl     time.Duration
}

func NewVerifyCodeCache(ttl time.Duration) *VerifyCodeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &VerifyCodeCache{entries: make(map[string]veriEntry), ttl: ttl}
}

func (vc *VerifyCodeCache) Put(userID, code string) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.entries[userID] = veriEntry{code: code, expiresAt: time.Now().Add(vc.ttl)}
}

// Verify reports whether code matches the live entry for userID. A
// successful verify consumes the code so it cannot be replayed.
func (vc *VerifyCodeCache) Verify(userID, code string) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	e, ok := vc.entries[userID]
	if !ok || time.Now().After(e.expiresAt) || e.code != code {
		return false
	}
	delete(vc.entries, userID)
	return true
}

// Sweep drops expired verification codes; callers run this on a ticker.
func (vc *VerifyCodeCache) Sweep() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	now := time.Now()
	for k, e := range vc.entries {
		if now.After(e.expiresAt) {
			delete(vc.entries, k)
		}
	}
}
