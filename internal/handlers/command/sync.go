package command

import (
	"context"
	"encoding/json"
	"time"

	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

func toWireChatMessage(m store.ChatMessage) wire.ChatMessage {
	out := wire.ChatMessage{
		ID: m.ID, Sender: m.SenderID, Receiver: m.ReceiverID, IsGroup: m.IsGroup,
		Timestamp: m.Timestamp, Text: m.Text, Pin: m.Pin, HasFile: m.HasFile,
	}
	if m.HasFile {
		out.Payload = &wire.FilePayload{FileName: m.FileName, FileSize: m.FileSize, FileHash: m.FileHash, FileID: m.FileID}
	}
	return out
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeJSON(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}

// dataConn returns userID's live DATA-channel connection, or nil.
func (h *Handler) dataConn(userID string) *channel.Connection {
	sender := h.registry.Get(userID, registry.ChannelData)
	if sender == nil {
		return nil
	}
	conn, _ := sender.(*channel.Connection)
	return conn
}

func (h *Handler) sendSyncItem(userID string, subType wire.SyncSubType, content string) {
	conn := h.dataConn(userID)
	if conn == nil {
		return
	}
	item := wire.SyncItem{Type: subType, Content: content, Timestamp: time.Now().UnixMilli()}
	env, err := wire.Encode(userID, wire.PayloadSyncItem, item)
	if err != nil {
		h.logErr("wire.Encode(SyncItem)", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logErr("json.Marshal(SyncItem envelope)", err)
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Debug().Err(err).Str("user_id", userID).Msg("sync item not delivered")
	}
}

// pushRelationNetFull sends the complete friend/group relation snapshot
// as one RELATION_NET_FULL SyncItem on DATA (§4.6, step 1 of ONLINE_INIT).
func (h *Handler) pushRelationNetFull(ctx context.Context, userID string) {
	friends, err := h.store.ListFriends(ctx, userID)
	if err != nil {
		h.logErr("store.ListFriends", err)
		return
	}
	net := wire.RelationNet{Friends: make([]wire.RelationNetFriend, 0, len(friends))}
	for _, fr := range friends {
		net.Friends = append(net.Friends, wire.RelationNetFriend{ID: fr.OtherID, Blocked: fr.BlockedByOwner})
	}

	groupIDs, err := h.store.ListUserGroupIDs(ctx, userID)
	if err != nil {
		h.logErr("store.ListUserGroupIDs", err)
	}
	for _, gid := range groupIDs {
		g, err := h.store.GetGroup(ctx, gid)
		if err != nil {
			continue
		}
		members, err := h.store.ListMembers(ctx, gid)
		if err != nil {
			continue
		}
		rg := wire.RelationNetGroup{ID: g.ID, Name: g.Name, Owner: g.OwnerID}
		for _, m := range members {
			rg.Members = append(rg.Members, wire.RelationNetGroupMember{ID: m.UserID, IsAdmin: m.IsAdmin})
		}
		net.Groups = append(net.Groups, rg)
	}

	h.sendSyncItem(userID, wire.SyncRelationNetFull, encodeJSON(net))
}

// pushAllFriendStatus sends each friend's live online/offline state
// (§4.6, step 2 of ONLINE_INIT).
func (h *Handler) pushAllFriendStatus(ctx context.Context, userID string) {
	friends, err := h.store.ListFriends(ctx, userID)
	if err != nil {
		h.logErr("store.ListFriends", err)
		return
	}
	statuses := make([]wire.FriendStatusEntry, 0, len(friends))
	for _, fr := range friends {
		statuses = append(statuses, wire.FriendStatusEntry{FriendID: fr.OtherID, Online: h.registry.IsOnline(fr.OtherID)})
	}
	h.sendSyncItem(userID, wire.SyncAllFriendStatus, encodeJSON(statuses))
}

// pushOfflineMessages delivers every direct and group message the user
// missed while offline (§4.6, step 4 of ONLINE_INIT; §4.7 invariant 1).
func (h *Handler) pushOfflineMessages(ctx context.Context, userID string, sinceUnix int64) {
	conn := h.dataConn(userID)
	if conn == nil {
		return
	}

	direct, err := h.store.ListOfflineDirectMessages(ctx, userID, sinceUnix)
	if err != nil {
		h.logErr("store.ListOfflineDirectMessages", err)
		direct = nil
	}
	groupIDs, err := h.store.ListUserGroupIDs(ctx, userID)
	if err != nil {
		h.logErr("store.ListUserGroupIDs", err)
	}
	groupMsgs, err := h.store.ListOfflineGroupMessages(ctx, groupIDs, sinceUnix)
	if err != nil {
		h.logErr("store.ListOfflineGroupMessages", err)
		groupMsgs = nil
	}

	all := make([]wire.ChatMessage, 0, len(direct)+len(groupMsgs))
	for _, m := range direct {
		all = append(all, toWireChatMessage(m))
	}
	for _, m := range groupMsgs {
		all = append(all, toWireChatMessage(m))
	}
	if len(all) == 0 {
		return
	}

	env, err := wire.Encode(userID, wire.PayloadOfflineMessages, wire.OfflineMessages{Messages: all})
	if err != nil {
		h.logErr("wire.Encode(OfflineMessages)", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logErr("json.Marshal(OfflineMessages envelope)", err)
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Debug().Err(err).Str("user_id", userID).Msg("offline messages not delivered")
	}
}
