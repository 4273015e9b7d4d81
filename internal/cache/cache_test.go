package cache

import (
	"testing"
	"time"
)

func TestRelationCacheFriendRoundTrip(t *testing.T) {
	rc := NewRelationCache(time.Minute)
	if _, found := rc.IsFriend("alice", "bob"); found {
		t.Fatal("expected cold cache miss")
	}
	rc.PutFriend("alice", "bob")
	isFriend, found := rc.IsFriend("alice", "bob")
	if !found || !isFriend {
		t.Fatalf("expected cached friend hit, got isFriend=%v found=%v", isFriend, found)
	}
	rc.RemoveFriend("alice", "bob")
	if _, found := rc.IsFriend("alice", "bob"); found {
		t.Fatal("expected eviction after RemoveFriend")
	}
}

func TestRelationCacheExpiresAfterTTL(t *testing.T) {
	rc := NewRelationCache(time.Millisecond)
	rc.PutFriend("alice", "bob")
	time.Sleep(10 * time.Millisecond)
	if _, found := rc.IsFriend("alice", "bob"); found {
		t.Fatal("expected expired entry to report as a miss")
	}
}

func TestRelationCacheBlockedIsPerDirection(t *testing.T) {
	rc := NewRelationCache(time.Minute)
	rc.SetBlocked("alice", "bob", true)
	if blocked, found := rc.IsBlocked("alice", "bob"); !found || !blocked {
		t.Fatal("expected alice->bob blocked")
	}
	if blocked, found := rc.IsBlocked("bob", "alice"); found && blocked {
		t.Fatal("blocking is directional, bob->alice must be unaffected")
	}
}

func TestGroupInfoCacheMembersSnapshotIsCopy(t *testing.T) {
	gc := NewGroupInfoCache()
	gc.PutMembers("g1", map[string]bool{"alice": true, "bob": false})
	members, found := gc.Members("g1")
	if !found {
		t.Fatal("expected hit")
	}
	members["bob"] = true // mutate the returned copy
	fresh, _ := gc.Members("g1")
	if fresh["bob"] {
		t.Fatal("mutating a returned snapshot must not affect the cache")
	}
}

func TestGroupInfoCacheInvalidate(t *testing.T) {
	gc := NewGroupInfoCache()
	gc.PutGroupName("g1", "team")
	gc.AddMember("g1", "alice", true)
	gc.Invalidate("g1")
	if _, found := gc.GroupName("g1"); found {
		t.Fatal("expected name evicted")
	}
	if _, found := gc.Members("g1"); found {
		t.Fatal("expected members evicted")
	}
}

func TestPresenceCacheOnlineOffline(t *testing.T) {
	pc := NewPresenceCache()
	if pc.IsOnline("alice") {
		t.Fatal("expected offline by default")
	}
	pc.SetOnline("alice", true)
	if !pc.IsOnline("alice") {
		t.Fatal("expected online after SetOnline(true)")
	}
	pc.SetOnline("alice", false)
	if pc.IsOnline("alice") {
		t.Fatal("expected offline after SetOnline(false)")
	}
}

func TestVerifyCodeCacheConsumesOnSuccess(t *testing.T) {
	vc := NewVerifyCodeCache(time.Minute)
	vc.Put("alice", "123456")
	if !vc.Verify("alice", "123456") {
		t.Fatal("expected matching code to verify")
	}
	if vc.Verify("alice", "123456") {
		t.Fatal("expected code to be consumed after first successful verify")
	}
}

func TestVerifyCodeCacheSweepDropsExpired(t *testing.T) {
	vc := NewVerifyCodeCache(time.Millisecond)
	vc.Put("alice", "000000")
	time.Sleep(10 * time.Millisecond)
	vc.Sweep()
	if vc.Verify("alice", "000000") {
		t.Fatal("expected swept entry to fail verification")
	}
}
