package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Store used by package tests in internal/handlers,
// internal/filemanager, and here, standing in for a MySQL server that
// isn't appropriate to spin up for a unit test (SPEC_FULL.md §A).
type Fake struct {
	mu sync.Mutex

	users        map[string]User
	usersByEmail map[string]string
	friends      map[string]Friendship // key: owner+"|"+other
	groups       map[string]Group
	members      map[string]GroupMember // key: group+"|"+user
	messages     []ChatMessage
	nextMsgID    int64
	filesByHash  map[string]File
	filesByID    map[string]File
	nextFileSeq  int64
	nextGroupSeq int64
	pending      map[int64]PendingCommand
	nextPendID   int64
}

func NewFake() *Fake {
	return &Fake{
		users:        make(map[string]User),
		usersByEmail: make(map[string]string),
		friends:      make(map[string]Friendship),
		groups:       make(map[string]Group),
		members:      make(map[string]GroupMember),
		filesByHash:  make(map[string]File),
		filesByID:    make(map[string]File),
		pending:      make(map[int64]PendingCommand),
	}
}

func friendKey(owner, other string) string { return owner + "|" + other }
func memberKey(group, user string) string  { return group + "|" + user }

func (f *Fake) CreateUser(ctx context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.usersByEmail[u.Email]; ok {
		return fmt.Errorf("store: duplicate email")
	}
	f.users[u.ID] = *u
	f.usersByEmail[u.Email] = u.ID
	return nil
}

func (f *Fake) GetUserByID(ctx context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (f *Fake) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.usersByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := f.users[id]
	return &u, nil
}

func (f *Fake) UpdateLastActive(ctx context.Context, userID string, unixMillis int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastActiveAt = unixMillis
	f.users[userID] = u
	return nil
}

func (f *Fake) AddFriendshipPair(ctx context.Context, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.friends[friendKey(a, b)] = Friendship{OwnerID: a, OtherID: b}
	f.friends[friendKey(b, a)] = Friendship{OwnerID: b, OtherID: a}
	return nil
}

func (f *Fake) RemoveFriendshipPair(ctx context.Context, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.friends, friendKey(a, b))
	delete(f.friends, friendKey(b, a))
	return nil
}

func (f *Fake) GetFriendship(ctx context.Context, owner, other string) (*Friendship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.friends[friendKey(owner, other)]
	if !ok {
		return nil, ErrNotFound
	}
	return &fr, nil
}

func (f *Fake) SetBlocked(ctx context.Context, owner, other string, blocked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := friendKey(owner, other)
	fr, ok := f.friends[key]
	if !ok {
		return ErrNotFound
	}
	fr.BlockedByOwner = blocked
	f.friends[key] = fr
	return nil
}

func (f *Fake) ListFriends(ctx context.Context, owner string) ([]Friendship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Friendship
	for k, fr := range f.friends {
		if fr.OwnerID == owner {
			_ = k
			out = append(out, fr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OtherID < out[j].OtherID })
	return out, nil
}

func (f *Fake) ReserveGroupID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextGroupSeq++
	return fmt.Sprintf("Group_%d", f.nextGroupSeq), nil
}

func (f *Fake) CreateGroup(ctx context.Context, g *Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.MemberCount = 1
	f.groups[g.ID] = *g
	f.members[memberKey(g.ID, g.OwnerID)] = GroupMember{GroupID: g.ID, UserID: g.OwnerID, IsAdmin: true}
	return nil
}

func (f *Fake) GetGroup(ctx context.Context, id string) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (f *Fake) DeleteGroup(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, m := range f.members {
		if m.GroupID == id {
			delete(f.members, k)
		}
	}
	delete(f.groups, id)
	return nil
}

func (f *Fake) AddMember(ctx context.Context, groupID, userID string, isAdmin bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[memberKey(groupID, userID)] = GroupMember{GroupID: groupID, UserID: userID, IsAdmin: isAdmin}
	if g, ok := f.groups[groupID]; ok {
		g.MemberCount++
		f.groups[groupID] = g
	}
	return nil
}

func (f *Fake) RemoveMember(ctx context.Context, groupID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := memberKey(groupID, userID)
	if _, ok := f.members[key]; !ok {
		return nil
	}
	delete(f.members, key)
	if g, ok := f.groups[groupID]; ok {
		g.MemberCount--
		f.groups[groupID] = g
	}
	return nil
}

func (f *Fake) GetMember(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[memberKey(groupID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (f *Fake) ListMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []GroupMember
	for _, m := range f.members {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *Fake) ListAdmins(ctx context.Context, groupID string) ([]GroupMember, error) {
	all, _ := f.ListMembers(ctx, groupID)
	var out []GroupMember
	for _, m := range all {
		if m.IsAdmin {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) SetAdmin(ctx context.Context, groupID, userID string, isAdmin bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := memberKey(groupID, userID)
	m, ok := f.members[key]
	if !ok {
		return ErrNotFound
	}
	m.IsAdmin = isAdmin
	f.members[key] = m
	return nil
}

func (f *Fake) ListUserGroupIDs(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.members {
		if m.UserID == userID {
			out = append(out, m.GroupID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) SaveMessage(ctx context.Context, m *ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	m.ID = f.nextMsgID
	f.messages = append(f.messages, *m)
	return nil
}

func (f *Fake) ListOfflineDirectMessages(ctx context.Context, userID string, sinceUnix int64) ([]ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChatMessage
	for _, m := range f.messages {
		if !m.IsGroup && m.ReceiverID == userID && m.Timestamp > sinceUnix {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) ListOfflineGroupMessages(ctx context.Context, groupIDs []string, sinceUnix int64) ([]ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]bool, len(groupIDs))
	for _, g := range groupIDs {
		set[g] = true
	}
	var out []ChatMessage
	for _, m := range f.messages {
		if m.IsGroup && set[m.ReceiverID] && m.Timestamp > sinceUnix {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) GetFileByHash(ctx context.Context, hash string) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.filesByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return &fl, nil
}

func (f *Fake) GetFileByID(ctx context.Context, id string) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.filesByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &fl, nil
}

func (f *Fake) ReserveFileID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFileSeq++
	return fmt.Sprintf("File_%d", f.nextFileSeq), nil
}

func (f *Fake) CreateFile(ctx context.Context, fl *File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filesByHash[fl.FileHash] = *fl
	f.filesByID[fl.FileID] = *fl
	return nil
}

func (f *Fake) CreatePendingCommand(ctx context.Context, pc *PendingCommand) (*PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPendID++
	pc.ID = f.nextPendID
	f.pending[pc.ID] = *pc
	out := *pc
	return &out, nil
}

func (f *Fake) ListPendingForUser(ctx context.Context, userID string) ([]PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingCommand
	for _, pc := range f.pending {
		if pc.TargetUser == userID && !pc.Delivered {
			out = append(out, pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ListAllPendingForUser(ctx context.Context, userID string) ([]PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingCommand
	for _, pc := range f.pending {
		if pc.TargetUser == userID {
			out = append(out, pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) MarkDelivered(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.pending[id]
	if !ok {
		return ErrNotFound
	}
	pc.Delivered = true
	f.pending[id] = pc
	return nil
}

func (f *Fake) GetPendingCommand(ctx context.Context, id int64) (*PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &pc, nil
}

func (f *Fake) CompareAndSetManaged(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.pending[id]
	if !ok {
		return false, ErrNotFound
	}
	if pc.Managed {
		return false, nil
	}
	pc.Managed = true
	f.pending[id] = pc
	return true, nil
}

var _ Store = (*Fake)(nil)
