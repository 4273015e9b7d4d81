// Package wire defines the on-the-wire Envelope and its payload variants
// (§6). Every frame a FramedSocket reads or writes decodes to exactly one
// Envelope, carrying exactly one typed payload selected by PayloadType.
package wire

import "encoding/json"

// PayloadType is the envelope's discriminator — the Go stand-in for the
// spec's "type-url string" on the discriminated Any.
type PayloadType string

const (
	PayloadChatMessage     PayloadType = "chat_message"
	PayloadCommandRequest  PayloadType = "command_request"
	PayloadFileChunk       PayloadType = "file_chunk"
	PayloadSyncItem        PayloadType = "sync_item"
	PayloadOfflineMessages PayloadType = "offline_messages"
)

// Envelope is the outermost record carried by a single frame.
type Envelope struct {
	UserID  string          `json:"user_id,omitempty"` // informational only; authority is connection-bound identity
	Type    PayloadType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals a concrete payload into an Envelope ready to be framed.
func Encode(userID string, typ PayloadType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{UserID: userID, Type: typ, Payload: raw}, nil
}

// FilePayload describes the attachment carried by a ChatMessage, if any.
type FilePayload struct {
	FileName string `json:"file_name"`
	FileSize uint64 `json:"file_size"`
	FileHash string `json:"file_hash"`
	FileID   string `json:"file_id,omitempty"`
}

// ChatMessage matches §6's wire shape, including the `pin` field the
// distilled spec kept in the wire format without detailing its handling
// (SPEC_FULL.md §C).
type ChatMessage struct {
	ID         int64        `json:"id,omitempty"`
	Sender     string       `json:"sender"`
	Receiver   string       `json:"receiver"`
	IsGroup    bool         `json:"is_group"`
	Timestamp  int64        `json:"timestamp"`
	Text       string       `json:"text"`
	Pin        bool         `json:"pin"`
	HasFile    bool         `json:"attached_file"`
	Payload    *FilePayload `json:"payload,omitempty"`
}

// CommandRequest carries one CMD-channel action with its positional args.
type CommandRequest struct {
	Action Action   `json:"action"`
	Sender string   `json:"sender"`
	Args   []string `json:"args"`
}

// FileChunk is one slice of a chunked file transfer on the DATA channel.
type FileChunk struct {
	FileID      string `json:"file_id"`
	Data        []byte `json:"data"`
	ChunkIndex  uint32 `json:"chunk_index"`
	TotalChunks uint32 `json:"total_chunks"`
	IsLast      bool   `json:"is_last_chunk"`
}

// SyncSubType discriminates SyncItem.Content's JSON shape.
type SyncSubType string

const (
	SyncRelationNetFull  SyncSubType = "RELATION_NET_FULL"
	SyncAllFriendStatus  SyncSubType = "ALL_FRIEND_STATUS"
)

// SyncItem carries one bulk-sync blob, e.g. the relation net pushed during
// ONLINE_INIT (§4.6).
type SyncItem struct {
	Type      SyncSubType `json:"type"`
	Content   string      `json:"content"` // JSON, shape depends on Type
	Timestamp int64       `json:"timestamp"`
}

// OfflineMessages wraps the backlog of ChatMessages delivered on
// reconnect (§4.6 ONLINE_INIT, invariant 1).
type OfflineMessages struct {
	Messages []ChatMessage `json:"messages"`
}

// RelationNetFriend / RelationNetGroupMember / RelationNetGroup / RelationNet
// are the JSON shape of a RELATION_NET_FULL SyncItem's Content (§6).
type RelationNetFriend struct {
	ID      string `json:"id"`
	Blocked bool   `json:"blocked"`
}

type RelationNetGroupMember struct {
	ID      string `json:"id"`
	IsAdmin bool   `json:"is_admin"`
}

type RelationNetGroup struct {
	ID      string                   `json:"id"`
	Name    string                   `json:"name"`
	Owner   string                   `json:"owner"`
	Members []RelationNetGroupMember `json:"members"`
}

type RelationNet struct {
	Friends []RelationNetFriend `json:"friends"`
	Groups  []RelationNetGroup  `json:"groups"`
}

// FriendStatusEntry is one element of an ALL_FRIEND_STATUS SyncItem's
// Content, which is a JSON array of [friend-id, online-bool] pairs on the
// wire; FriendStatusEntry is the Go-side unmarshal/marshal target.
type FriendStatusEntry struct {
	FriendID string
	Online   bool
}

func (e FriendStatusEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.FriendID, e.Online})
}

func (e *FriendStatusEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.FriendID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Online)
}
