// Package store is the durable relational store (§4.10): the source of
// truth backing every handler, with the Relation/Presence Cache
// (internal/cache) advisory in front of it.
package store

import "time"

// User (§3). SoftDelete via DeletedAt keeps "destroyed never" honest while
// still letting an operator hide an account.
type User struct {
	ID             string `gorm:"primaryKey;size:64"`
	Email          string `gorm:"uniqueIndex;size:255;not null"`
	PasswordDigest string `gorm:"size:255;not null"`
	LastActiveAt   int64  `gorm:"not null;default:0"` // unix millis; ONLINE_INIT's OfflineMessages cutoff
	CreatedAt      time.Time
	DeletedAt      *time.Time `gorm:"index"`
}

// Friendship is one directed row of a symmetric pair (§3): accepting a
// friend request inserts two rows, (a,b) and (b,a), each with its own
// independent BlockedByOwner flag.
type Friendship struct {
	OwnerID        string `gorm:"primaryKey;size:64"`
	OtherID        string `gorm:"primaryKey;size:64"`
	BlockedByOwner bool   `gorm:"not null;default:false"` // Owner has blocked Other
	CreatedAt      time.Time
}

func (Friendship) TableName() string { return "friends" }

// Group (§3).
type Group struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:255;not null"`
	OwnerID     string `gorm:"size:64;not null;index"`
	MemberCount int    `gorm:"not null;default:0"`
	CreatedAt   time.Time
}

// GroupMember (§3): at most one row per (group, user); IsAdmin implies
// membership by construction (there is no membership without a row).
type GroupMember struct {
	GroupID string `gorm:"primaryKey;size:64"`
	UserID  string `gorm:"primaryKey;size:64;index"`
	IsAdmin bool   `gorm:"not null;default:false"`
}

// ChatMessage (§3): immutable once stored. Indexed per §4.10 by
// (receiver, is_group, timestamp) for offline/conversation fetch and by
// (sender, timestamp) for sent-history queries.
type ChatMessage struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	SenderID   string `gorm:"size:64;not null;index:idx_sender_ts,priority:1"`
	ReceiverID string `gorm:"size:64;not null;index:idx_receiver_group_ts,priority:1"`
	IsGroup    bool   `gorm:"not null;index:idx_receiver_group_ts,priority:2"`
	Timestamp  int64  `gorm:"not null;index:idx_receiver_group_ts,priority:3;index:idx_sender_ts,priority:2"`
	Text       string `gorm:"type:text"`
	Pin        bool   `gorm:"not null;default:false"`
	HasFile    bool   `gorm:"not null;default:false"`
	FileName   string `gorm:"size:255"`
	FileSize   uint64
	FileHash   string `gorm:"size:64"`
	FileID     string `gorm:"size:64"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// File (§3): identity is FileHash; FileID is the externally referenced
// handle. One hash <-> one id <-> one on-disk blob.
type File struct {
	FileHash string `gorm:"primaryKey;size:64"`
	FileID   string `gorm:"uniqueIndex;size:64;not null"`
	FileName string `gorm:"size:255;not null"`
	FileSize uint64 `gorm:"not null"`
	UploadedBy string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

// PendingCommand (§3): a persisted control envelope addressed to a user
// who was offline at send time, or a group-admin decision still racing.
// At most one row per (target-user, command-id).
type PendingCommand struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	TargetUser string `gorm:"size:64;not null;index"`
	Action     int32  `gorm:"not null"`
	Body       string `gorm:"type:text;not null"` // JSON-encoded CommandRequest.Args
	Delivered  bool   `gorm:"not null;default:false"`
	Managed    bool   `gorm:"not null;default:false"` // CAS target for group-admin races (§4.6, invariant 3/8)
	CreatedAt  time.Time
}

func (PendingCommand) TableName() string { return "pending_commands" }

// AllModels lists every model AutoMigrate needs to create or update.
func AllModels() []any {
	return []any{
		&User{}, &Friendship{}, &Group{}, &GroupMember{},
		&ChatMessage{}, &File{}, &PendingCommand{},
	}
}
