package command

import (
	"context"

	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

func (h *Handler) handleSearchPerson(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 1 {
		h.refuse(conn, "missing query")
		return
	}
	query := req.Args[0]
	u, err := h.store.GetUserByID(ctx, query)
	if err != nil {
		u, err = h.store.GetUserByEmail(ctx, query)
	}
	if err != nil {
		h.replyTo(conn, wire.ActionNotifyNotExist)
		return
	}
	h.replyTo(conn, wire.ActionNotifyExist, u.ID)
}

func (h *Handler) handleAddFriendReq(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	requester := req.Sender
	if requester == "" || len(req.Args) < 1 {
		h.refuse(conn, "missing target")
		return
	}
	target := req.Args[0]

	pc := &store.PendingCommand{
		TargetUser: target,
		Action:     int32(wire.ActionAddFriendReq),
		Body:       encodeJSON([]string{requester}),
	}
	created, err := h.store.CreatePendingCommand(ctx, pc)
	if err != nil {
		h.logErr("store.CreatePendingCommand", err)
		h.refuse(conn, "request failed")
		return
	}

	if h.registry.IsOnline(target) {
		h.pushTo(target, wire.ActionAddFriendReq, requester)
		if err := h.store.MarkDelivered(ctx, created.ID); err != nil {
			h.logErr("store.MarkDelivered", err)
		}
	}
}

// handleAcceptFReq serves both ACCEPT_FREQ and REFUSE_FREQ: args are
// (time, requester); accept is idempotent on the PendingCommand so a
// duplicate client retry only ever takes effect once.
func (h *Handler) handleAcceptFReq(ctx context.Context, conn *channel.Connection, req wire.CommandRequest, accept bool) {
	target := req.Sender
	if target == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or requester")
		return
	}
	requester := req.Args[1]

	pc := h.findAddFriendRequest(ctx, target, requester)
	if pc == nil {
		h.refuse(conn, "no such request")
		return
	}

	unlock := h.race.Lock(pc.ID)
	defer unlock()
	won, err := h.store.CompareAndSetManaged(ctx, pc.ID)
	if err != nil {
		h.logErr("store.CompareAndSetManaged", err)
		h.refuse(conn, "internal error")
		return
	}
	if !won {
		h.replyTo(conn, wire.ActionManaged)
		return
	}

	if accept {
		if err := h.store.AddFriendshipPair(ctx, target, requester); err != nil {
			h.logErr("store.AddFriendshipPair", err)
			h.refuse(conn, "internal error")
			return
		}
		h.relation.PutFriend(target, requester)
		h.relation.PutFriend(requester, target)
	}
	h.replyTo(conn, wire.ActionSuccess)
}

func (h *Handler) findAddFriendRequest(ctx context.Context, target, requester string) *store.PendingCommand {
	all, err := h.store.ListAllPendingForUser(ctx, target)
	if err != nil {
		h.logErr("store.ListAllPendingForUser", err)
		return nil
	}
	for i := range all {
		pc := all[i]
		if pc.Managed || pc.Action != int32(wire.ActionAddFriendReq) {
			continue
		}
		var args []string
		if err := decodeJSON(pc.Body, &args); err != nil || len(args) < 1 {
			continue
		}
		if args[0] == requester {
			return &pc
		}
	}
	return nil
}

func (h *Handler) handleRemoveFriend(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	owner := req.Sender
	if owner == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or other")
		return
	}
	other := req.Args[1]
	if err := h.store.RemoveFriendshipPair(ctx, owner, other); err != nil {
		h.logErr("store.RemoveFriendshipPair", err)
		h.refuse(conn, "internal error")
		return
	}
	h.relation.RemoveFriend(owner, other)
	h.relation.RemoveFriend(other, owner)
	h.pushTo(other, wire.ActionFriendOffline, owner)
}

func (h *Handler) handleSetBlocked(ctx context.Context, conn *channel.Connection, req wire.CommandRequest, blocked bool) {
	owner := req.Sender
	if owner == "" || len(req.Args) < 1 {
		h.refuse(conn, "missing target")
		return
	}
	other := req.Args[0]
	if err := h.store.SetBlocked(ctx, owner, other, blocked); err != nil {
		h.logErr("store.SetBlocked", err)
		h.refuse(conn, "internal error")
		return
	}
	h.relation.SetBlocked(owner, other, blocked)
	// §4.7: a blocked sender gets no notification of the block itself.
}
