// Package command implements the CMD-channel action set (§4.6): auth,
// connection binding, friendship, group, and file-reply actions, all
// dispatched from one CommandRequest-shaped tuple. Grounded on
// ws/internal/shared/handlers_control.go's action-switch shape, widened
// from that file's handful of control messages to this spec's larger
// action set, and on go-server-3/internal/session/hub.go for the
// broadcast-to-online-members pattern reused here for admin/friend
// fan-out.
package command

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/auth"
	"odin-chat-server/internal/cache"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/filemanager"
	"odin-chat-server/internal/metrics"
	"odin-chat-server/internal/presencebus"
	"odin-chat-server/internal/raceguard"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

// Handler wires every durable/cache/transport dependency the ~30 CMD
// actions touch. It implements demux.CommandHandler.
type Handler struct {
	store    store.Store
	registry *registry.Registry
	relation *cache.RelationCache
	groups   *cache.GroupInfoCache
	presence *cache.PresenceCache
	veriCode *cache.VerifyCodeCache
	tokens   *auth.ConnectionTokenManager
	race     *raceguard.Guard
	bus      *presencebus.Bus
	files    *filemanager.Manager
	metrics  *metrics.Registry
	logger   zerolog.Logger

	heartbeatInterval time.Duration
	downloadPace      time.Duration
}

type Config struct {
	Store             store.Store
	Registry          *registry.Registry
	Relation          *cache.RelationCache
	Groups            *cache.GroupInfoCache
	Presence          *cache.PresenceCache
	VerifyCodes       *cache.VerifyCodeCache
	Tokens            *auth.ConnectionTokenManager
	RaceGuard         *raceguard.Guard
	Bus               *presencebus.Bus
	Files             *filemanager.Manager
	Metrics           *metrics.Registry
	Logger            zerolog.Logger
	HeartbeatInterval time.Duration
	DownloadPace      time.Duration // delay between streamed download chunks (§4.8 step 3)
}

func New(cfg Config) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.DownloadPace <= 0 {
		cfg.DownloadPace = 5 * time.Millisecond
	}
	return &Handler{
		store:             cfg.Store,
		registry:          cfg.Registry,
		relation:          cfg.Relation,
		groups:            cfg.Groups,
		presence:          cfg.Presence,
		veriCode:          cfg.VerifyCodes,
		tokens:            cfg.Tokens,
		race:              cfg.RaceGuard,
		bus:               cfg.Bus,
		files:             cfg.Files,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		downloadPace:      cfg.DownloadPace,
	}
}

// HandleCommand implements demux.CommandHandler, dispatching on action.
func (h *Handler) HandleCommand(conn *channel.Connection, req wire.CommandRequest) {
	if h.metrics != nil {
		h.metrics.CommandsHandled.WithLabelValues(req.Action.String()).Inc()
	}
	ctx := context.Background()

	switch req.Action {
	// Auth
	case wire.ActionSignIn:
		h.handleSignIn(ctx, conn, req)
	case wire.ActionSignOut:
		h.handleSignOut(ctx, conn, req)
	case wire.ActionGetVeriCode:
		h.handleGetVeriCode(conn, req)
	case wire.ActionAuthentication:
		h.handleAuthentication(conn, req)
	case wire.ActionRegister:
		h.handleRegister(ctx, conn, req)

	// Connection binding
	case wire.ActionRememberConnection:
		h.handleRememberConnection(conn, req)
	case wire.ActionOnlineInit:
		h.handleOnlineInit(ctx, conn, req)
	case wire.ActionHeartbeat:
		h.handleHeartbeat(conn, req)

	// Friendship
	case wire.ActionSearchPerson:
		h.handleSearchPerson(ctx, conn, req)
	case wire.ActionAddFriendReq:
		h.handleAddFriendReq(ctx, conn, req)
	case wire.ActionAcceptFReq:
		h.handleAcceptFReq(ctx, conn, req, true)
	case wire.ActionRefuseFReq:
		h.handleAcceptFReq(ctx, conn, req, false)
	case wire.ActionRemoveFriend:
		h.handleRemoveFriend(ctx, conn, req)
	case wire.ActionBlockFriend:
		h.handleSetBlocked(ctx, conn, req, true)
	case wire.ActionUnblockFriend:
		h.handleSetBlocked(ctx, conn, req, false)

	// Group
	case wire.ActionCreateGroup:
		h.handleCreateGroup(ctx, conn, req)
	case wire.ActionSearchGroup:
		h.handleSearchGroup(ctx, conn, req)
	case wire.ActionJoinGroupReq:
		h.handleJoinGroupReq(ctx, conn, req)
	case wire.ActionInviteToGroupReq:
		h.handleInviteToGroupReq(ctx, conn, req)
	case wire.ActionAcceptGReq:
		h.handleGroupReqResponse(ctx, conn, req, true)
	case wire.ActionRefuseGReq:
		h.handleGroupReqResponse(ctx, conn, req, false)
	case wire.ActionLeaveGroup:
		h.handleLeaveGroup(ctx, conn, req)
	case wire.ActionDisbandGroup:
		h.handleDisbandGroup(ctx, conn, req)
	case wire.ActionRemoveFromGroup:
		h.handleRemoveFromGroup(ctx, conn, req)
	case wire.ActionAddAdmin:
		h.handleSetAdmin(ctx, conn, req, true)
	case wire.ActionRemoveAdmin:
		h.handleSetAdmin(ctx, conn, req, false)

	// File
	case wire.ActionUploadFile:
		h.handleUploadFile(ctx, conn, req)
	case wire.ActionDownloadFile:
		h.handleDownloadFile(ctx, conn, req)
	case wire.ActionAcceptFile, wire.ActionDenyFile, wire.ActionAcceptFileReq, wire.ActionDenyFileReq:
		// Client acknowledgements of a transfer the server already
		// initiated; nothing server-side to do beyond what the file
		// manager's chunk stream already drives.

	default:
		// Server-initiated notifications (FRIEND_ONLINE, GIVE_GROUP_ID,
		// SUCCESS, MANAGED, ...) never arrive as requests; a client that
		// sends one back is ignored, not closed (§4.6).
		h.logger.Debug().Str("action", req.Action.String()).Str("sender", req.Sender).Msg("reply-only action received as a request, ignoring")
	}
}

// --- reply/push helpers shared by every action group ---

// replyTo sends a CommandRequest-shaped reply directly down conn, the
// same socket the triggering request arrived on.
func (h *Handler) replyTo(conn *channel.Connection, action wire.Action, args ...string) {
	if conn == nil {
		return
	}
	h.send(conn, conn.UserID(), action, args...)
}

// pushTo looks up userID's CMD connection in the registry and delivers a
// server-initiated action; it is a no-op if the user has no live CMD
// binding (§4.6's "if online" qualifier on every broadcast).
func (h *Handler) pushTo(userID string, action wire.Action, args ...string) {
	sender := h.registry.Get(userID, registry.ChannelCommand)
	if sender == nil {
		return
	}
	conn, ok := sender.(*channel.Connection)
	if !ok {
		return
	}
	h.send(conn, userID, action, args...)
}

func (h *Handler) send(conn *channel.Connection, userID string, action wire.Action, args ...string) {
	req := wire.CommandRequest{Action: action, Sender: "", Args: args}
	env, err := wire.Encode(userID, wire.PayloadCommandRequest, req)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode command reply")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal command reply")
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Debug().Err(err).Str("user_id", userID).Str("action", action.String()).Msg("command reply not delivered")
	}
}

func (h *Handler) refuse(conn *channel.Connection, reason string) {
	h.replyTo(conn, wire.ActionRefused, reason)
}

func (h *Handler) logErr(op string, err error) {
	if err == nil {
		return
	}
	h.logger.Error().Err(err).Str("op", op).Msg("command handler error")
}

func randomDigits(n int) string {
	const digits = "0123456789"
	out := make([]byte, n)
	for i := range out {
		out[i] = digits[rand.Intn(len(digits))]
	}
	return string(out)
}
