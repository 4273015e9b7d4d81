package command

import (
	"context"
	"time"

	"odin-chat-server/internal/auth"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

// verifiedSentinel is stored back into the VerifyCodeCache in place of
// the six-digit code once AUTHENTICATION succeeds, so REGISTER can
// confirm "this email completed AUTHENTICATION" without a separate
// cache type (§4.6: "REGISTER ... only valid after AUTHENTICATION for
// that email").
const verifiedSentinel = "verified"

func (h *Handler) handleSignIn(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 2 {
		h.refuse(conn, "missing principal or password")
		return
	}
	principal, password := req.Args[0], req.Args[1]

	var user *store.User
	var otherIdentifier string
	if u, err := h.store.GetUserByID(ctx, principal); err == nil {
		user, otherIdentifier = u, u.Email
	} else if u, err := h.store.GetUserByEmail(ctx, principal); err == nil {
		user, otherIdentifier = u, u.ID
	}
	if user == nil {
		h.refuse(conn, "no such user")
		return
	}
	if !auth.VerifyPassword(user.PasswordDigest, password) {
		h.refuse(conn, "invalid credentials")
		return
	}

	token := ""
	if h.tokens != nil {
		t, err := h.tokens.Issue(user.ID)
		if err != nil {
			h.logErr("auth.Issue", err)
		} else {
			token = t
		}
	}
	if h.presence != nil {
		h.presence.SetOnline(user.ID, true)
	}
	conn.SetUserID(user.ID)
	h.replyTo(conn, wire.ActionAcceptLogin, otherIdentifier, token)
}

func (h *Handler) handleSignOut(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	userID := req.Sender
	if userID == "" {
		return
	}
	for _, kind := range []registry.ChannelKind{registry.ChannelMessage, registry.ChannelCommand, registry.ChannelData} {
		if s := h.registry.Get(userID, kind); s != nil {
			h.registry.Unbind(userID, kind, s)
		}
	}
	if h.presence != nil {
		h.presence.SetOnline(userID, false)
	}
	if err := h.store.UpdateLastActive(ctx, userID, time.Now().UnixMilli()); err != nil {
		h.logErr("store.UpdateLastActive", err)
	}
}

func (h *Handler) handleGetVeriCode(conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 1 {
		h.refuse(conn, "missing email")
		return
	}
	email := req.Args[0]
	code := randomDigits(6)
	h.veriCode.Put(email, code)
	h.logger.Info().Str("email", email).Msg("verification code issued (delivery is out of process scope)")
	h.replyTo(conn, wire.ActionAcceptPostCode)
}

func (h *Handler) handleAuthentication(conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 2 {
		h.refuse(conn, "missing email or code")
		return
	}
	email, code := req.Args[0], req.Args[1]
	if !h.veriCode.Verify(email, code) {
		h.refuse(conn, "invalid or expired code")
		return
	}
	h.veriCode.Put(email, verifiedSentinel)
	h.replyTo(conn, wire.ActionSuccessAuth)
}

func (h *Handler) handleRegister(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 3 {
		h.refuse(conn, "missing email, user-id, or password")
		return
	}
	email, userID, password := req.Args[0], req.Args[1], req.Args[2]
	if !h.veriCode.Verify(email, verifiedSentinel) {
		h.refuse(conn, "email not yet verified")
		return
	}
	digest, err := auth.HashPassword(password)
	if err != nil {
		h.logErr("auth.HashPassword", err)
		h.refuse(conn, "internal error")
		return
	}
	u := &store.User{ID: userID, Email: email, PasswordDigest: digest}
	if err := h.store.CreateUser(ctx, u); err != nil {
		h.refuse(conn, "registration failed")
		return
	}
	h.replyTo(conn, wire.ActionAcceptRegi)
}

// channelKindFor maps a Connection's own channel name to the registry's
// ChannelKind; authoritative over any client-supplied channel-index
// argument, since the listening port already determines the role.
func channelKindFor(name channel.Name) registry.ChannelKind {
	switch name {
	case channel.NameMessage:
		return registry.ChannelMessage
	case channel.NameData:
		return registry.ChannelData
	default:
		return registry.ChannelCommand
	}
}

// handleRememberConnection binds this connection into the registry under
// the user-id the client claims. On the CMD channel the claim needs no
// extra proof: CMD is where SIGN_IN already checked the password. On MSG
// and DATA the client has never proven anything to this socket, so it
// must also present the connection token SIGN_IN issued on CMD
// (SPEC_FULL.md §B's cross-channel identity proof); a missing, invalid,
// or mismatched token is refused rather than silently binding whatever
// user-id the client sent.
func (h *Handler) handleRememberConnection(conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 1 {
		h.refuse(conn, "missing user-id")
		return
	}
	userID := req.Args[0]

	if conn.Name != channel.NameCommand {
		if h.tokens == nil {
			h.refuse(conn, "connection token verification unavailable")
			return
		}
		if len(req.Args) < 2 || req.Args[1] == "" {
			h.refuse(conn, "missing connection token")
			return
		}
		claims, err := h.tokens.Verify(req.Args[1])
		if err != nil {
			h.refuse(conn, "invalid connection token")
			return
		}
		if claims.UserID != userID {
			h.refuse(conn, "connection token does not match user-id")
			return
		}
	}

	conn.SetUserID(userID)
	h.registry.Bind(userID, channelKindFor(conn.Name), conn)
	if h.presence != nil {
		h.presence.SetOnline(userID, true)
	}
}

func (h *Handler) handleHeartbeat(conn *channel.Connection, req wire.CommandRequest) {
	userID := req.Sender
	if userID == "" {
		return
	}
	h.registry.Touch(userID, channelKindFor(conn.Name))
}

// handleOnlineInit implements §4.6's fixed push order: relations,
// statuses, pending commands, offline messages, then a FRIEND_ONLINE
// broadcast to every online friend.
func (h *Handler) handleOnlineInit(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	userID := req.Sender
	if userID == "" && len(req.Args) > 0 {
		userID = req.Args[0]
	}
	if userID == "" {
		return
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		h.refuse(conn, "unknown user")
		return
	}
	sinceUnix := user.LastActiveAt

	h.pushRelationNetFull(ctx, userID)
	h.pushAllFriendStatus(ctx, userID)
	h.replayPendingCommands(ctx, userID)
	h.pushOfflineMessages(ctx, userID, sinceUnix)

	if err := h.store.UpdateLastActive(ctx, userID, time.Now().UnixMilli()); err != nil {
		h.logErr("store.UpdateLastActive", err)
	}

	friends, err := h.store.ListFriends(ctx, userID)
	if err != nil {
		h.logErr("store.ListFriends", err)
		return
	}
	for _, fr := range friends {
		if h.registry.IsOnline(fr.OtherID) {
			h.pushTo(fr.OtherID, wire.ActionFriendOnline, userID)
		}
	}
}

func (h *Handler) replayPendingCommands(ctx context.Context, userID string) {
	pending, err := h.store.ListPendingForUser(ctx, userID)
	if err != nil {
		h.logErr("store.ListPendingForUser", err)
		return
	}
	for _, pc := range pending {
		var args []string
		if err := decodeJSON(pc.Body, &args); err == nil {
			h.pushTo(userID, wire.Action(pc.Action), args...)
		}
		if err := h.store.MarkDelivered(ctx, pc.ID); err != nil {
			h.logErr("store.MarkDelivered", err)
		}
	}
}
