package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by single-row lookups that find nothing;
// handlers compare against it directly.
var ErrNotFound = errors.New("store: not found")

// Store is everything the command/message handlers and file manager need
// from the durable layer. It is the authoritative source of truth (§4.10):
// on cache/store disagreement the store always wins.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateLastActive(ctx context.Context, userID string, unixMillis int64) error

	AddFriendshipPair(ctx context.Context, a, b string) error
	RemoveFriendshipPair(ctx context.Context, a, b string) error
	GetFriendship(ctx context.Context, owner, other string) (*Friendship, error)
	SetBlocked(ctx context.Context, owner, other string, blocked bool) error
	ListFriends(ctx context.Context, owner string) ([]Friendship, error)

	ReserveGroupID(ctx context.Context) (string, error)
	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	DeleteGroup(ctx context.Context, id string) error
	AddMember(ctx context.Context, groupID, userID string, isAdmin bool) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	GetMember(ctx context.Context, groupID, userID string) (*GroupMember, error)
	ListMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	ListAdmins(ctx context.Context, groupID string) ([]GroupMember, error)
	SetAdmin(ctx context.Context, groupID, userID string, isAdmin bool) error
	ListUserGroupIDs(ctx context.Context, userID string) ([]string, error)

	SaveMessage(ctx context.Context, m *ChatMessage) error
	ListOfflineDirectMessages(ctx context.Context, userID string, sinceUnix int64) ([]ChatMessage, error)
	ListOfflineGroupMessages(ctx context.Context, groupIDs []string, sinceUnix int64) ([]ChatMessage, error)

	GetFileByHash(ctx context.Context, hash string) (*File, error)
	GetFileByID(ctx context.Context, id string) (*File, error)
	ReserveFileID(ctx context.Context) (string, error)
	CreateFile(ctx context.Context, f *File) error

	CreatePendingCommand(ctx context.Context, pc *PendingCommand) (*PendingCommand, error)
	ListPendingForUser(ctx context.Context, userID string) ([]PendingCommand, error)
	// ListAllPendingForUser includes already-delivered rows, so a later
	// ACCEPT_FREQ/REFUSE_FREQ can still find (and CAS-resolve) the friend
	// request it answers after it was already pushed live once (§4.6,
	// invariant 3/8). ACCEPT_GREQ/REFUSE_GREQ look their row up by id.
	ListAllPendingForUser(ctx context.Context, userID string) ([]PendingCommand, error)
	MarkDelivered(ctx context.Context, id int64) error
	GetPendingCommand(ctx context.Context, id int64) (*PendingCommand, error)
	CompareAndSetManaged(ctx context.Context, id int64) (bool, error)
}

// gormStore is the MySQL-backed implementation (§6: launched with a
// mysql-config.json path).
type gormStore struct {
	db *gorm.DB
}

// Open connects to MySQL via gorm and runs AutoMigrate for every model
// (§4.10's tables). It mirrors nabbar-golib's dialector-selection idiom,
// narrowed to MySQL since that's the only driver §6 names.
func Open(dsn string) (Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := db.AutoMigrate(&idCounter{}); err != nil {
		return nil, fmt.Errorf("store: migrate counters: %w", err)
	}
	return &gormStore{db: db}, nil
}

type idCounter struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value int64  `gorm:"not null;default:0"`
}

func (s *gormStore) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = time.Now()
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *gormStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *gormStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("email = ? AND deleted_at IS NULL", email).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *gormStore) UpdateLastActive(ctx context.Context, userID string, unixMillis int64) error {
	return s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("last_active_at", unixMillis).Error
}

func (s *gormStore) AddFriendshipPair(ctx context.Context, a, b string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		rows := []Friendship{
			{OwnerID: a, OtherID: b, CreatedAt: now},
			{OwnerID: b, OtherID: a, CreatedAt: now},
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

func (s *gormStore) RemoveFriendshipPair(ctx context.Context, a, b string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ? AND other_id = ?", a, b).Delete(&Friendship{}).Error; err != nil {
			return err
		}
		return tx.Where("owner_id = ? AND other_id = ?", b, a).Delete(&Friendship{}).Error
	})
}

func (s *gormStore) GetFriendship(ctx context.Context, owner, other string) (*Friendship, error) {
	var f Friendship
	if err := s.db.WithContext(ctx).Where("owner_id = ? AND other_id = ?", owner, other).First(&f).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &f, nil
}

func (s *gormStore) SetBlocked(ctx context.Context, owner, other string, blocked bool) error {
	return s.db.WithContext(ctx).Model(&Friendship{}).
		Where("owner_id = ? AND other_id = ?", owner, other).
		Update("blocked_by_owner", blocked).Error
}

func (s *gormStore) ListFriends(ctx context.Context, owner string) ([]Friendship, error) {
	var out []Friendship
	err := s.db.WithContext(ctx).Where("owner_id = ?", owner).Find(&out).Error
	return out, err
}

// ReserveGroupID atomically increments the group id counter and renders
// "Group_<n>"; it is the CREATE_GROUP-side counterpart of ReserveFileID.
func (s *gormStore) ReserveGroupID(ctx context.Context) (string, error) {
	var next string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&idCounter{Name: "group_id", Value: 0}).Error; err != nil {
			return err
		}
		var c idCounter
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", "group_id").First(&c).Error; err != nil {
			return err
		}
		c.Value++
		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		next = fmt.Sprintf("Group_%d", c.Value)
		return nil
	})
	return next, err
}

func (s *gormStore) CreateGroup(ctx context.Context, g *Group) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g.CreatedAt = time.Now()
		g.MemberCount = 1
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return tx.Create(&GroupMember{GroupID: g.ID, UserID: g.OwnerID, IsAdmin: true}).Error
	})
}

func (s *gormStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &g, nil
}

func (s *gormStore) DeleteGroup(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", id).Delete(&GroupMember{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Group{}).Error
	})
}

func (s *gormStore) AddMember(ctx context.Context, groupID, userID string, isAdmin bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&GroupMember{GroupID: groupID, UserID: userID, IsAdmin: isAdmin}).Error; err != nil {
			return err
		}
		return tx.Model(&Group{}).Where("id = ?", groupID).UpdateColumn("member_count", gorm.Expr("member_count + 1")).Error
	})
}

func (s *gormStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&GroupMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&Group{}).Where("id = ?", groupID).UpdateColumn("member_count", gorm.Expr("member_count - 1")).Error
	})
}

func (s *gormStore) GetMember(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	var m GroupMember
	if err := s.db.WithContext(ctx).Where("group_id = ? AND user_id = ?", groupID, userID).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (s *gormStore) ListMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	var out []GroupMember
	err := s.db.WithContext(ctx).Where("group_id = ?", groupID).Find(&out).Error
	return out, err
}

func (s *gormStore) ListAdmins(ctx context.Context, groupID string) ([]GroupMember, error) {
	var out []GroupMember
	err := s.db.WithContext(ctx).Where("group_id = ? AND is_admin = ?", groupID, true).Find(&out).Error
	return out, err
}

func (s *gormStore) SetAdmin(ctx context.Context, groupID, userID string, isAdmin bool) error {
	return s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Update("is_admin", isAdmin).Error
}

func (s *gormStore) ListUserGroupIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&GroupMember{}).Where("user_id = ?", userID).Pluck("group_id", &ids).Error
	return ids, err
}

func (s *gormStore) SaveMessage(ctx context.Context, m *ChatMessage) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *gormStore) ListOfflineDirectMessages(ctx context.Context, userID string, sinceUnix int64) ([]ChatMessage, error) {
	var out []ChatMessage
	err := s.db.WithContext(ctx).
		Where("receiver_id = ? AND is_group = ? AND timestamp > ?", userID, false, sinceUnix).
		Order("timestamp asc, id asc").Find(&out).Error
	return out, err
}

func (s *gormStore) ListOfflineGroupMessages(ctx context.Context, groupIDs []string, sinceUnix int64) ([]ChatMessage, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var out []ChatMessage
	err := s.db.WithContext(ctx).
		Where("receiver_id IN ? AND is_group = ? AND timestamp > ?", groupIDs, true, sinceUnix).
		Order("timestamp asc, id asc").Find(&out).Error
	return out, err
}

func (s *gormStore) GetFileByHash(ctx context.Context, hash string) (*File, error) {
	var f File
	if err := s.db.WithContext(ctx).Where("file_hash = ?", hash).First(&f).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &f, nil
}

func (s *gormStore) GetFileByID(ctx context.Context, id string) (*File, error) {
	var f File
	if err := s.db.WithContext(ctx).Where("file_id = ?", id).First(&f).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &f, nil
}

// ReserveFileID atomically increments the file id counter and renders
// "File_<n>", matching §3's externally referenced handle format.
func (s *gormStore) ReserveFileID(ctx context.Context) (string, error) {
	var next string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&idCounter{Name: "file_id", Value: 0}).Error; err != nil {
			return err
		}
		var c idCounter
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", "file_id").First(&c).Error; err != nil {
			return err
		}
		c.Value++
		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		next = fmt.Sprintf("File_%d", c.Value)
		return nil
	})
	return next, err
}

func (s *gormStore) CreateFile(ctx context.Context, f *File) error {
	f.CreatedAt = time.Now()
	return s.db.WithContext(ctx).Create(f).Error
}

func (s *gormStore) CreatePendingCommand(ctx context.Context, pc *PendingCommand) (*PendingCommand, error) {
	pc.CreatedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(pc).Error; err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *gormStore) ListPendingForUser(ctx context.Context, userID string) ([]PendingCommand, error) {
	var out []PendingCommand
	err := s.db.WithContext(ctx).Where("target_user = ? AND delivered = ?", userID, false).Order("id asc").Find(&out).Error
	return out, err
}

func (s *gormStore) ListAllPendingForUser(ctx context.Context, userID string) ([]PendingCommand, error) {
	var out []PendingCommand
	err := s.db.WithContext(ctx).Where("target_user = ?", userID).Order("id asc").Find(&out).Error
	return out, err
}

func (s *gormStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Model(&PendingCommand{}).Where("id = ?", id).Update("delivered", true).Error
}

func (s *gormStore) GetPendingCommand(ctx context.Context, id int64) (*PendingCommand, error) {
	var pc PendingCommand
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&pc).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &pc, nil
}

// CompareAndSetManaged atomically flips managed from false to true and
// reports whether this call won the race (invariant 3, invariant 8).
// This is the store-level half of the CAS; DESIGN.md Open Question (b)
// layers an application-level mutex (internal/raceguard) in front of it
// since MySQL/GORM exposes no portable "return whether a row changed"
// primitive beyond RowsAffected, which this uses directly.
func (s *gormStore) CompareAndSetManaged(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&PendingCommand{}).
		Where("id = ? AND managed = ?", id, false).
		Update("managed", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
