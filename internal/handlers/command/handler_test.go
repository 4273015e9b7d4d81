package command

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/auth"
	"odin-chat-server/internal/cache"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/filemanager"
	"odin-chat-server/internal/frame"
	"odin-chat-server/internal/raceguard"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

type testEnv struct {
	h   *Handler
	st  store.Store
	reg *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewFake()
	reg := registry.New(time.Minute, zerolog.Nop(), nil)
	fm, err := filemanager.New(t.TempDir(), st)
	if err != nil {
		t.Fatalf("filemanager.New: %v", err)
	}
	h := New(Config{
		Store:       st,
		Registry:    reg,
		Relation:    cache.NewRelationCache(time.Minute),
		Groups:      cache.NewGroupInfoCache(),
		Presence:    cache.NewPresenceCache(),
		VerifyCodes: cache.NewVerifyCodeCache(time.Minute),
		Tokens:      auth.NewConnectionTokenManager("test-secret", time.Minute),
		RaceGuard:   raceguard.New(),
		Files:       fm,
		Logger:      zerolog.Nop(),
	})
	return &testEnv{h: h, st: st, reg: reg}
}

func bindConn(t *testing.T, reg *registry.Registry, name channel.Name, userID string) (*channel.Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	sock := frame.New(server, frame.DefaultMaxFrameBytes)
	conn := channel.NewConnection(name, sock, 8, zerolog.Nop())
	conn.SetUserID(userID)
	go conn.PumpWrites()
	reg.Bind(userID, channelKindFor(name), conn)
	return conn, client
}

func readOneCommand(t *testing.T, conn net.Conn) wire.CommandRequest {
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
	var env wire.Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var req wire.CommandRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.Fatalf("unmarshal command request: %v", err)
	}
	return req
}

func TestSignInAcceptsValidCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	digest, _ := auth.HashPassword("hunter2")
	_ = env.st.CreateUser(ctx, &store.User{ID: "alice", Email: "alice@example.com", PasswordDigest: digest})

	conn, client := bindConn(t, env.reg, channel.NameCommand, "anonymous")
	defer client.Close()

	env.h.HandleCommand(conn, wire.CommandRequest{Action: wire.ActionSignIn, Args: []string{"alice@example.com", "hunter2"}})

	req := readOneCommand(t, client)
	if req.Action != wire.ActionAcceptLogin {
		t.Fatalf("expected ACCEPT_LOGIN, got %s", req.Action)
	}
	if len(req.Args) < 1 || req.Args[0] != "alice" {
		t.Fatalf("expected other-identifier alice, got %+v", req.Args)
	}
}

func TestSignInRefusesWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	digest, _ := auth.HashPassword("hunter2")
	_ = env.st.CreateUser(ctx, &store.User{ID: "alice", Email: "alice@example.com", PasswordDigest: digest})

	conn, client := bindConn(t, env.reg, channel.NameCommand, "alice")
	defer client.Close()

	env.h.HandleCommand(conn, wire.CommandRequest{Action: wire.ActionSignIn, Args: []string{"alice@example.com", "wrong"}})

	req := readOneCommand(t, client)
	if req.Action != wire.ActionRefused {
		t.Fatalf("expected REFUSED, got %s", req.Action)
	}
}

func TestAcceptFReqIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_ = env.st.CreateUser(ctx, &store.User{ID: "alice", Email: "a@example.com"})
	_ = env.st.CreateUser(ctx, &store.User{ID: "bob", Email: "b@example.com"})

	bobConn, bobClient := bindConn(t, env.reg, channel.NameCommand, "bob")
	defer bobClient.Close()

	env.h.HandleCommand(bobConn, wire.CommandRequest{Action: wire.ActionAddFriendReq, Sender: "alice", Args: []string{"bob"}})
	notice := readOneCommand(t, bobClient)
	if notice.Action != wire.ActionAddFriendReq {
		t.Fatalf("expected bob to see the incoming ADD_FRIEND_REQ, got %s", notice.Action)
	}

	env.h.HandleCommand(bobConn, wire.CommandRequest{Action: wire.ActionAcceptFReq, Sender: "bob", Args: []string{"123", "alice"}})
	first := readOneCommand(t, bobClient)
	if first.Action != wire.ActionSuccess {
		t.Fatalf("expected first accept to succeed, got %s", first.Action)
	}

	env.h.HandleCommand(bobConn, wire.CommandRequest{Action: wire.ActionAcceptFReq, Sender: "bob", Args: []string{"124", "alice"}})
	second := readOneCommand(t, bobClient)
	if second.Action != wire.ActionRefused {
		t.Fatalf("expected second accept to find no pending request (already consumed), got %s", second.Action)
	}

	fr, err := env.st.GetFriendship(ctx, "alice", "bob")
	if err != nil || fr == nil {
		t.Fatalf("expected symmetric friendship row to exist: %v", err)
	}
}

func TestGroupJoinRequestOnlyOneAdminWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_ = env.st.CreateUser(ctx, &store.User{ID: "owner"})
	_ = env.st.CreateUser(ctx, &store.User{ID: "admin2"})
	_ = env.st.CreateUser(ctx, &store.User{ID: "carol"})
	_ = env.st.CreateGroup(ctx, &store.Group{ID: "g1", Name: "team", OwnerID: "owner"})
	_ = env.st.AddMember(ctx, "g1", "admin2", true)

	ownerConn, ownerClient := bindConn(t, env.reg, channel.NameCommand, "owner")
	defer ownerClient.Close()
	admin2Conn, admin2Client := bindConn(t, env.reg, channel.NameCommand, "admin2")
	defer admin2Client.Close()

	env.h.HandleCommand(ownerConn, wire.CommandRequest{Action: wire.ActionJoinGroupReq, Sender: "carol", Args: []string{"1", "g1"}})

	ownerNotice := readOneCommand(t, ownerClient)
	admin2Notice := readOneCommand(t, admin2Client)
	if ownerNotice.Action != wire.ActionJoinGroupReq || admin2Notice.Action != wire.ActionJoinGroupReq {
		t.Fatalf("expected both admins to receive the join request")
	}
	commandID := ownerNotice.Args[0]

	env.h.HandleCommand(ownerConn, wire.CommandRequest{Action: wire.ActionAcceptGReq, Sender: "owner", Args: []string{"2", commandID}})
	ownerReply := readOneCommand(t, ownerClient)
	if ownerReply.Action != wire.ActionSuccess {
		t.Fatalf("expected owner's accept to win, got %s", ownerReply.Action)
	}

	broadcast := readOneCommand(t, admin2Client)
	if broadcast.Action != wire.ActionSuccess {
		t.Fatalf("expected admin2 to see the winning admin's broadcast, got %s", broadcast.Action)
	}

	env.h.HandleCommand(admin2Conn, wire.CommandRequest{Action: wire.ActionAcceptGReq, Sender: "admin2", Args: []string{"3", commandID}})
	admin2Reply := readOneCommand(t, admin2Client)
	if admin2Reply.Action != wire.ActionManaged {
		t.Fatalf("expected admin2's late accept to get MANAGED, got %s", admin2Reply.Action)
	}

	m, err := env.st.GetMember(ctx, "g1", "carol")
	if err != nil || m.IsAdmin {
		t.Fatalf("expected carol added as a non-admin member: %v", err)
	}
}

func TestUploadFileDedupesAgainstExistingHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_ = env.st.CreateFile(ctx, &store.File{FileHash: "deadbeef", FileID: "File_1", FileName: "x.bin", FileSize: 4})

	conn, client := bindConn(t, env.reg, channel.NameCommand, "alice")
	defer client.Close()

	env.h.HandleCommand(conn, wire.CommandRequest{Action: wire.ActionUploadFile, Sender: "alice", Args: []string{"deadbeef", "4"}})

	req := readOneCommand(t, client)
	if req.Action != wire.ActionDenyFile {
		t.Fatalf("expected DENY_FILE for an existing hash, got %s", req.Action)
	}
	if len(req.Args) < 3 || req.Args[2] != "File_1" {
		t.Fatalf("expected existing file-id File_1, got %+v", req.Args)
	}
}
