package demux

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/frame"
	"odin-chat-server/internal/wire"
)

func connForTest(t *testing.T) *channel.Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	sock := frame.New(server, frame.DefaultMaxFrameBytes)
	return channel.NewConnection(channel.NameMessage, sock, 8, zerolog.Nop())
}

type capturingMessages struct {
	got []wire.ChatMessage
}

func (c *capturingMessages) HandleChatMessage(conn *channel.Connection, msg wire.ChatMessage) {
	c.got = append(c.got, msg)
}

type capturingCommands struct {
	got []wire.CommandRequest
}

func (c *capturingCommands) HandleCommand(conn *channel.Connection, req wire.CommandRequest) {
	c.got = append(c.got, req)
}

type capturingFiles struct {
	got []wire.FileChunk
}

func (c *capturingFiles) HandleFileChunk(conn *channel.Connection, chunk wire.FileChunk) {
	c.got = append(c.got, chunk)
}

func mustEnvelope(t *testing.T, typ wire.PayloadType, v any) []byte {
	t.Helper()
	env, err := wire.Encode("", typ, v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestDemuxRoutesChatMessage(t *testing.T) {
	msgs := &capturingMessages{}
	d := New(Config{Messages: msgs, Commands: &capturingCommands{}, Files: &capturingFiles{}, Logger: zerolog.Nop()})

	frame := mustEnvelope(t, wire.PayloadChatMessage, wire.ChatMessage{Sender: "alice", Receiver: "bob", Text: "hi"})
	d.HandleFrame(connForTest(t), frame)

	if len(msgs.got) != 1 || msgs.got[0].Text != "hi" {
		t.Fatalf("expected routed chat message, got %+v", msgs.got)
	}
}

func TestDemuxRoutesRecognizedCommand(t *testing.T) {
	cmds := &capturingCommands{}
	d := New(Config{Messages: &capturingMessages{}, Commands: cmds, Files: &capturingFiles{}, Logger: zerolog.Nop()})

	frame := mustEnvelope(t, wire.PayloadCommandRequest, wire.CommandRequest{Action: wire.ActionSignIn, Args: []string{"a@example.com", "pw"}})
	d.HandleFrame(connForTest(t), frame)

	if len(cmds.got) != 1 || cmds.got[0].Action != wire.ActionSignIn {
		t.Fatalf("expected routed SIGN_IN command, got %+v", cmds.got)
	}
}

func TestDemuxDropsUnrecognizedAction(t *testing.T) {
	cmds := &capturingCommands{}
	d := New(Config{Messages: &capturingMessages{}, Commands: cmds, Files: &capturingFiles{}, Logger: zerolog.Nop()})

	frame := mustEnvelope(t, wire.PayloadCommandRequest, wire.CommandRequest{Action: wire.Action(9999)})
	d.HandleFrame(connForTest(t), frame)

	if len(cmds.got) != 0 {
		t.Fatalf("expected unrecognized action to be dropped, not routed")
	}
}

func TestDemuxClosesConnectionAfterTooManyParseFailures(t *testing.T) {
	d := New(Config{
		Messages: &capturingMessages{}, Commands: &capturingCommands{}, Files: &capturingFiles{},
		Logger: zerolog.Nop(), MaxParseFailures: 3, FailureWindow: time.Minute,
	})

	conn := connForTest(t)
	for i := 0; i < 3; i++ {
		d.HandleFrame(conn, []byte("not json"))
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("expected connection already closed, Close should be idempotent: %v", err)
	}
}
