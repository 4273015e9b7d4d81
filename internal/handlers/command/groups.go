package command

import (
	"context"
	"strconv"

	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/presencebus"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/wire"
)

func (h *Handler) handleCreateGroup(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	owner := req.Sender
	if owner == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or name")
		return
	}
	name := req.Args[1]

	groupID, err := h.store.ReserveGroupID(ctx)
	if err != nil {
		h.logErr("store.ReserveGroupID", err)
		h.refuse(conn, "internal error")
		return
	}
	if err := h.store.CreateGroup(ctx, &store.Group{ID: groupID, Name: name, OwnerID: owner}); err != nil {
		h.logErr("store.CreateGroup", err)
		h.refuse(conn, "internal error")
		return
	}
	h.groups.PutGroupName(groupID, name)
	h.groups.AddMember(groupID, owner, true)
	h.relation.AddUserGroup(owner, groupID)
	h.replyTo(conn, wire.ActionGiveGroupID, groupID)
}

func (h *Handler) handleSearchGroup(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	if len(req.Args) < 1 {
		h.refuse(conn, "missing group-id")
		return
	}
	g, err := h.store.GetGroup(ctx, req.Args[0])
	if err != nil {
		h.replyTo(conn, wire.ActionNotifyNotExist)
		return
	}
	h.replyTo(conn, wire.ActionNotifyExist, g.ID, g.Name)
}

// handleJoinGroupReq creates one PendingCommand as the race target every
// admin CASes against (§4.6: "a race-resolvable request ... only one
// admin's accept/refuse commits").
func (h *Handler) handleJoinGroupReq(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	requester := req.Sender
	if requester == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or group-id")
		return
	}
	groupID := req.Args[1]
	if _, err := h.store.GetGroup(ctx, groupID); err != nil {
		h.refuse(conn, "no such group")
		return
	}

	// TargetUser is the requester only so that a group id is on file
	// somewhere (the schema requires a target); this row is never meant
	// to replay to the requester themself, so it's marked delivered
	// immediately below. Its real purpose is to be the single row every
	// admin's ACCEPT_GREQ/REFUSE_GREQ CASes against by id.
	pc, err := h.store.CreatePendingCommand(ctx, &store.PendingCommand{
		TargetUser: requester,
		Action:     int32(wire.ActionJoinGroupReq),
		Body:       encodeJSON([]string{groupID, requester}),
	})
	if err != nil {
		h.logErr("store.CreatePendingCommand", err)
		h.refuse(conn, "internal error")
		return
	}
	if err := h.store.MarkDelivered(ctx, pc.ID); err != nil {
		h.logErr("store.MarkDelivered", err)
	}

	admins, err := h.store.ListAdmins(ctx, groupID)
	if err != nil {
		h.logErr("store.ListAdmins", err)
		return
	}
	commandID := strconv.FormatInt(pc.ID, 10)
	for _, a := range admins {
		h.pushTo(a.UserID, wire.ActionJoinGroupReq, commandID, groupID, requester)
	}
}

// handleInviteToGroupReq delivers an admin's invitation to a prospective
// member, who replies with an ordinary JOIN_GROUP_REQ (§4.6).
func (h *Handler) handleInviteToGroupReq(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	inviter := req.Sender
	if inviter == "" || len(req.Args) < 4 {
		h.refuse(conn, "missing time, group-id, name, or invitee")
		return
	}
	groupID, name, invitee := req.Args[1], req.Args[2], req.Args[3]

	member, err := h.store.GetMember(ctx, groupID, inviter)
	if err != nil || !member.IsAdmin {
		h.refuse(conn, "not an admin of this group")
		return
	}

	pc := &store.PendingCommand{
		TargetUser: invitee,
		Action:     int32(wire.ActionInviteToGroupReq),
		Body:       encodeJSON([]string{groupID, name, inviter}),
	}
	created, err := h.store.CreatePendingCommand(ctx, pc)
	if err != nil {
		h.logErr("store.CreatePendingCommand", err)
		h.refuse(conn, "internal error")
		return
	}
	if h.registry.IsOnline(invitee) {
		h.pushTo(invitee, wire.ActionInviteToGroupReq, groupID, name, inviter)
		if err := h.store.MarkDelivered(ctx, created.ID); err != nil {
			h.logErr("store.MarkDelivered", err)
		}
	}
}

// handleGroupReqResponse serves ACCEPT_GREQ and REFUSE_GREQ: args are
// (time, command-id). The CAS on the PendingCommand's managed flag
// (raceguard-serialized, then store-level) decides the single winning
// admin; every later responder gets MANAGED and nothing else happens
// (invariant 3/8).
func (h *Handler) handleGroupReqResponse(ctx context.Context, conn *channel.Connection, req wire.CommandRequest, accept bool) {
	responder := req.Sender
	if responder == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or command-id")
		return
	}
	commandID, err := strconv.ParseInt(req.Args[1], 10, 64)
	if err != nil {
		h.refuse(conn, "malformed command-id")
		return
	}

	pc, err := h.store.GetPendingCommand(ctx, commandID)
	if err != nil {
		h.refuse(conn, "no such request")
		return
	}
	var body []string
	if err := decodeJSON(pc.Body, &body); err != nil || len(body) < 2 {
		h.refuse(conn, "corrupt request")
		return
	}
	groupID, requester := body[0], body[1]

	unlock := h.race.Lock(commandID)
	defer unlock()
	won, err := h.store.CompareAndSetManaged(ctx, commandID)
	if err != nil {
		h.logErr("store.CompareAndSetManaged", err)
		h.refuse(conn, "internal error")
		return
	}
	if !won {
		h.replyTo(conn, wire.ActionManaged)
		return
	}

	admins, _ := h.store.ListAdmins(ctx, groupID)
	if accept {
		if err := h.store.AddMember(ctx, groupID, requester, false); err != nil {
			h.logErr("store.AddMember", err)
			h.refuse(conn, "internal error")
			return
		}
		h.groups.AddMember(groupID, requester, false)
		h.relation.AddUserGroup(requester, groupID)
		h.bus.PublishGroupNotice(presencebus.GroupNotice{GroupID: groupID, Kind: "member_added"})
		h.pushTo(requester, wire.ActionSuccess, groupID)
	} else {
		h.pushTo(requester, wire.ActionRefused, groupID)
	}
	h.replyTo(conn, wire.ActionSuccess)
	for _, a := range admins {
		if a.UserID == responder {
			continue
		}
		h.pushTo(a.UserID, wire.ActionSuccess, groupID, requester)
	}
}

func (h *Handler) handleLeaveGroup(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	userID := req.Sender
	if userID == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or group-id")
		return
	}
	groupID := req.Args[1]
	g, err := h.store.GetGroup(ctx, groupID)
	if err != nil {
		h.refuse(conn, "no such group")
		return
	}
	if g.OwnerID == userID {
		h.refuse(conn, "owner cannot leave, disband instead")
		return
	}
	if err := h.store.RemoveMember(ctx, groupID, userID); err != nil {
		h.logErr("store.RemoveMember", err)
		h.refuse(conn, "internal error")
		return
	}
	h.groups.RemoveMember(groupID, userID)
	h.relation.RemoveUserGroup(userID, groupID)
	h.bus.PublishGroupNotice(presencebus.GroupNotice{GroupID: groupID, Kind: "member_left"})

	admins, _ := h.store.ListAdmins(ctx, groupID)
	for _, a := range admins {
		h.pushTo(a.UserID, wire.ActionLeaveGroup, groupID, userID)
	}
}

func (h *Handler) handleDisbandGroup(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	owner := req.Sender
	if owner == "" || len(req.Args) < 2 {
		h.refuse(conn, "missing time or group-id")
		return
	}
	groupID := req.Args[1]
	g, err := h.store.GetGroup(ctx, groupID)
	if err != nil {
		h.refuse(conn, "no such group")
		return
	}
	if g.OwnerID != owner {
		h.refuse(conn, "only the owner may disband")
		return
	}
	members, _ := h.store.ListMembers(ctx, groupID)
	if err := h.store.DeleteGroup(ctx, groupID); err != nil {
		h.logErr("store.DeleteGroup", err)
		h.refuse(conn, "internal error")
		return
	}
	h.groups.Invalidate(groupID)
	h.bus.PublishGroupNotice(presencebus.GroupNotice{GroupID: groupID, Kind: "disbanded"})

	for _, m := range members {
		h.relation.RemoveUserGroup(m.UserID, groupID)
		if m.UserID == owner {
			continue
		}
		h.pushTo(m.UserID, wire.ActionDisbandGroup, groupID)
	}
}

func (h *Handler) handleRemoveFromGroup(ctx context.Context, conn *channel.Connection, req wire.CommandRequest) {
	actor := req.Sender
	if actor == "" || len(req.Args) < 3 {
		h.refuse(conn, "missing time, group-id, or member")
		return
	}
	groupID, member := req.Args[1], req.Args[2]

	g, err := h.store.GetGroup(ctx, groupID)
	if err != nil {
		h.refuse(conn, "no such group")
		return
	}
	actorMember, err := h.store.GetMember(ctx, groupID, actor)
	if err != nil {
		h.refuse(conn, "not a member")
		return
	}
	targetMember, err := h.store.GetMember(ctx, groupID, member)
	if err != nil {
		h.refuse(conn, "not a member")
		return
	}
	allowed := g.OwnerID == actor || (actorMember.IsAdmin && !targetMember.IsAdmin)
	if !allowed {
		h.refuse(conn, "not permitted")
		return
	}

	if err := h.store.RemoveMember(ctx, groupID, member); err != nil {
		h.logErr("store.RemoveMember", err)
		h.refuse(conn, "internal error")
		return
	}
	h.groups.RemoveMember(groupID, member)
	h.relation.RemoveUserGroup(member, groupID)
	h.bus.PublishGroupNotice(presencebus.GroupNotice{GroupID: groupID, Kind: "member_removed"})

	h.pushTo(member, wire.ActionRemoveFromGroup, groupID)
	admins, _ := h.store.ListAdmins(ctx, groupID)
	for _, a := range admins {
		if a.UserID == actor {
			continue
		}
		h.pushTo(a.UserID, wire.ActionRemoveFromGroup, groupID, member)
	}
}

func (h *Handler) handleSetAdmin(ctx context.Context, conn *channel.Connection, req wire.CommandRequest, isAdmin bool) {
	owner := req.Sender
	if owner == "" || len(req.Args) < 3 {
		h.refuse(conn, "missing time, group-id, or member")
		return
	}
	groupID, member := req.Args[1], req.Args[2]
	g, err := h.store.GetGroup(ctx, groupID)
	if err != nil || g.OwnerID != owner {
		h.refuse(conn, "only the owner may change admins")
		return
	}
	if err := h.store.SetAdmin(ctx, groupID, member, isAdmin); err != nil {
		h.logErr("store.SetAdmin", err)
		h.refuse(conn, "internal error")
		return
	}
	h.groups.AddMember(groupID, member, isAdmin)
	action := wire.ActionAddAdmin
	if !isAdmin {
		action = wire.ActionRemoveAdmin
	}
	h.pushTo(member, action, groupID)
}
