package wire

import (
	"encoding/json"
	"testing"
)

func TestFriendStatusEntryRoundTripsAsPair(t *testing.T) {
	e := FriendStatusEntry{FriendID: "bob", Online: true}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `["bob",true]` {
		t.Fatalf("expected a [id, online] pair on the wire, got %s", data)
	}

	var got FriendStatusEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestEncodeCarriesPayloadType(t *testing.T) {
	env, err := Encode("alice", PayloadCommandRequest, CommandRequest{Action: ActionHeartbeat, Sender: "alice"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env.Type != PayloadCommandRequest {
		t.Fatalf("expected Type to be preserved, got %q", env.Type)
	}
	var req CommandRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if req.Action != ActionHeartbeat || req.Sender != "alice" {
		t.Fatalf("payload round trip mismatch: %+v", req)
	}
}
