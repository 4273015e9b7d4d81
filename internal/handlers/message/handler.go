// Package message implements the chat message fan-out path (§4.7):
// persist first, then forward to whichever recipients are currently
// online, skipping (but still persisting for) receivers who have
// blocked the sender. Grounded on
// ws/internal/shared/handlers_message.go's inbound dispatch and
// ws/internal/shared/broadcast.go's send-or-drop-and-count fan-out,
// narrowed from a pub/sub broadcast to per-recipient direct/group
// delivery since this spec's fan-out targets are named users, not
// subscribed channels.
package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/cache"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/metrics"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

type Handler struct {
	store    store.Store
	registry *registry.Registry
	relation *cache.RelationCache
	groups   *cache.GroupInfoCache
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

func New(st store.Store, reg *registry.Registry, relation *cache.RelationCache, groups *cache.GroupInfoCache, m *metrics.Registry, logger zerolog.Logger) *Handler {
	return &Handler{store: st, registry: reg, relation: relation, groups: groups, metrics: m, logger: logger}
}

// HandleChatMessage implements demux.MessageHandler.
func (h *Handler) HandleChatMessage(conn *channel.Connection, msg wire.ChatMessage) {
	if msg.Text == "" && !msg.HasFile {
		h.refuseSender(msg.Sender, "empty message")
		return
	}

	ctx := context.Background()
	msg.Timestamp = time.Now().UnixMilli()

	record := &store.ChatMessage{
		SenderID:   msg.Sender,
		ReceiverID: msg.Receiver,
		IsGroup:    msg.IsGroup,
		Timestamp:  msg.Timestamp,
		Text:       msg.Text,
		Pin:        msg.Pin,
		HasFile:    msg.HasFile,
	}
	if msg.Payload != nil {
		record.FileName = msg.Payload.FileName
		record.FileSize = msg.Payload.FileSize
		record.FileHash = msg.Payload.FileHash
		record.FileID = msg.Payload.FileID
	}
	if err := h.store.SaveMessage(ctx, record); err != nil {
		h.logger.Error().Err(err).Str("sender", msg.Sender).Msg("failed to persist chat message")
		return
	}
	msg.ID = record.ID
	if h.metrics != nil {
		h.metrics.MessagesReceived.Inc()
	}

	if msg.IsGroup {
		h.fanOutGroup(ctx, msg)
		return
	}
	h.fanOutDirect(ctx, msg)
}

func (h *Handler) fanOutDirect(ctx context.Context, msg wire.ChatMessage) {
	blocked, found := h.relation.IsBlocked(msg.Receiver, msg.Sender)
	if !found {
		fr, err := h.store.GetFriendship(ctx, msg.Receiver, msg.Sender)
		if err == nil {
			blocked = fr.BlockedByOwner
			h.relation.SetBlocked(msg.Receiver, msg.Sender, blocked)
		}
	}
	if blocked {
		h.drop(msg, "receiver_blocked_sender")
		return
	}
	h.deliver(msg.Receiver, msg)
}

func (h *Handler) fanOutGroup(ctx context.Context, msg wire.ChatMessage) {
	members, found := h.groups.Members(msg.Receiver)
	if !found {
		rows, err := h.store.ListMembers(ctx, msg.Receiver)
		if err != nil {
			h.logger.Error().Err(err).Str("group", msg.Receiver).Msg("failed to load group members for fan-out")
			return
		}
		members = make(map[string]bool, len(rows))
		for _, m := range rows {
			members[m.UserID] = m.IsAdmin
		}
		h.groups.PutMembers(msg.Receiver, members)
	}
	for userID := range members {
		if userID == msg.Sender {
			continue
		}
		h.deliver(userID, msg)
	}
}

func (h *Handler) deliver(userID string, msg wire.ChatMessage) {
	conn := h.registry.Get(userID, registry.ChannelMessage)
	if conn == nil {
		return // offline; ONLINE_INIT's offline-message sync covers this later
	}
	env, err := wire.Encode(userID, wire.PayloadChatMessage, msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode chat message envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal chat message envelope")
		return
	}
	if err := conn.Send(data); err != nil {
		h.drop(msg, "send_buffer_full_or_closed")
		return
	}
	if h.metrics != nil {
		h.metrics.MessagesSent.Inc()
	}
}

// refuseSender delivers a REFUSED reply on the sender's CMD connection
// (§7: "user-visible failures are always delivered ... on the CMD
// channel"), matching §8's boundary rule that an empty text message with
// no attached file is rejected rather than persisted.
func (h *Handler) refuseSender(senderID, reason string) {
	if senderID == "" {
		return
	}
	conn := h.registry.Get(senderID, registry.ChannelCommand)
	if conn == nil {
		return
	}
	req := wire.CommandRequest{Action: wire.ActionRefused, Args: []string{reason}}
	env, err := wire.Encode(senderID, wire.PayloadCommandRequest, req)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode refusal envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal refusal envelope")
		return
	}
	_ = conn.Send(data)
}

func (h *Handler) drop(msg wire.ChatMessage, reason string) {
	if h.metrics != nil {
		h.metrics.MessagesDropped.Inc()
	}
	h.logger.Debug().Str("sender", msg.Sender).Str("receiver", msg.Receiver).Str("reason", reason).Msg("chat message not forwarded")
}
