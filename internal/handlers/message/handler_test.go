package message

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/cache"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/frame"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

func netPipe() (net.Conn, net.Conn) { return net.Pipe() }

func readOneFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	return buf
}

func hasFrameWithin(conn net.Conn, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		var hdr [4]byte
		if _, err := io.ReadFull(conn, hdr[:]); err == nil {
			close(done)
		}
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func newTestHandler(t *testing.T) (*Handler, store.Store, *registry.Registry) {
	t.Helper()
	st := store.NewFake()
	reg := registry.New(time.Minute, zerolog.Nop(), nil)
	h := New(st, reg, cache.NewRelationCache(time.Minute), cache.NewGroupInfoCache(), nil, zerolog.Nop())
	return h, st, reg
}

func bindTestConnection(t *testing.T, reg *registry.Registry, userID string) (*channel.Connection, net.Conn) {
	t.Helper()
	server, client := netPipe()
	sock := frame.New(server, frame.DefaultMaxFrameBytes)
	conn := channel.NewConnection(channel.NameMessage, sock, 8, zerolog.Nop())
	go conn.PumpWrites()
	reg.Bind(userID, registry.ChannelMessage, conn)
	return conn, client
}

func TestDirectMessageDeliveredWhenOnline(t *testing.T) {
	h, st, reg := newTestHandler(t)
	ctx := context.Background()

	_ = st.CreateUser(ctx, &store.User{ID: "alice", Email: "alice@example.com", PasswordDigest: "x"})
	_ = st.CreateUser(ctx, &store.User{ID: "bob", Email: "bob@example.com", PasswordDigest: "x"})

	_, client := bindTestConnection(t, reg, "bob")
	defer client.Close()

	h.HandleChatMessage(nil, wire.ChatMessage{Sender: "alice", Receiver: "bob", Text: "hi"})

	msgs, err := st.ListOfflineDirectMessages(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("ListOfflineDirectMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hi" {
		t.Fatalf("expected message persisted, got %+v", msgs)
	}

	frame := readOneFrame(t, client)
	var env wire.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != wire.PayloadChatMessage {
		t.Fatalf("expected chat message envelope, got %s", env.Type)
	}
}

func TestDirectMessagePersistedButNotForwardedWhenBlocked(t *testing.T) {
	h, st, reg := newTestHandler(t)
	ctx := context.Background()

	if err := st.AddFriendshipPair(ctx, "alice", "bob"); err != nil {
		t.Fatalf("AddFriendshipPair: %v", err)
	}
	if err := st.SetBlocked(ctx, "bob", "alice", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}

	_, client := bindTestConnection(t, reg, "bob")
	defer client.Close()

	h.HandleChatMessage(nil, wire.ChatMessage{Sender: "alice", Receiver: "bob", Text: "hello"})

	msgs, _ := st.ListOfflineDirectMessages(ctx, "bob", 0)
	if len(msgs) != 1 {
		t.Fatalf("expected message still persisted despite block, got %d", len(msgs))
	}

	if hasFrameWithin(client, 100*time.Millisecond) {
		t.Fatal("expected no frame forwarded to a receiver who blocked the sender")
	}
}

func TestGroupMessageFansOutToMembersExceptSender(t *testing.T) {
	h, st, reg := newTestHandler(t)
	ctx := context.Background()

	_ = st.CreateGroup(ctx, &store.Group{ID: "g1", Name: "team", OwnerID: "alice"})
	_ = st.AddMember(ctx, "g1", "bob", false)
	_ = st.AddMember(ctx, "g1", "carol", false)

	_, bobClient := bindTestConnection(t, reg, "bob")
	defer bobClient.Close()
	_, carolClient := bindTestConnection(t, reg, "carol")
	defer carolClient.Close()

	h.HandleChatMessage(nil, wire.ChatMessage{Sender: "alice", Receiver: "g1", IsGroup: true, Text: "group hi"})

	readOneFrame(t, bobClient)
	readOneFrame(t, carolClient)
}
