package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormPersist struct {
	db *gorm.DB
}

// join-table rows, written explicitly so read receipts and friend relations
// are plain idempotent inserts
type messageReader struct {
	MessageId string `gorm:"primaryKey;column:message_id"`
	UserId    string `gorm:"primaryKey;column:user_id"`
}

func (messageReader) TableName() string { return "message_readers" }

type userFriend struct {
	UserId   string `gorm:"primaryKey;column:user_id"`
	FriendId string `gorm:"primaryKey;column:friend_id"`
}

func (userFriend) TableName() string { return "user_friends" }

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("empty dsn")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.User{}, &types.Room{}, &types.Membership{}, &types.Message{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// translateError maps driver-level constraint failures onto the error
// taxonomy, naming the offending fields where the driver message reveals them.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
		fields := make([]string, 0, 2)
		for _, f := range []string{"email", "name"} {
			if strings.Contains(msg, f) {
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			fields = append(fields, "unknown")
		}
		return &types.ConflictError{Fields: fields}
	}
	if strings.Contains(strings.ToLower(msg), "foreign key") {
		return fmt.Errorf("%s: %w", msg, types.ErrIntegrity)
	}
	return err
}

func (p *GormPersist) StoreUser(user types.User) error {
	return translateError(p.db.Clauses(clause.OnConflict{UpdateAll: true}).Omit("Friends").Create(&user).Error)
}

func (p *GormPersist) GetUser(user *types.User) error {
	return translateError(p.db.Preload("Friends").First(user).Error)
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Find(&users).Error
	return users, translateError(err)
}

func (p *GormPersist) DeleteUser(user *types.User) error {
	res := p.db.Model(user).Update("is_deleted", true)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", user.Id, types.ErrNotFound)
	}
	return nil
}

func (p *GormPersist) AddFriend(userId, friendId string) (*types.User, *types.User, error) {
	err := p.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range []string{userId, friendId} {
			if err := tx.First(&types.User{Id: id}).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("user %s: %w", id, types.ErrNotFound)
				}
				return err
			}
		}
		// symmetric relation, one row per direction
		rows := []userFriend{
			{UserId: userId, FriendId: friendId},
			{UserId: friendId, FriendId: userId},
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return nil, nil, translateError(err)
	}
	user := &types.User{Id: userId}
	friend := &types.User{Id: friendId}
	if err := p.GetUser(user); err != nil {
		return nil, nil, err
	}
	if err := p.GetUser(friend); err != nil {
		return nil, nil, err
	}
	return user, friend, nil
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	return translateError(p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error)
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	return translateError(p.db.First(room).Error)
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Find(&rooms).Error
	return rooms, translateError(err)
}

// DeleteRoom removes the room together with its messages, read receipts and
// memberships. Hard deletion requires the cascade, a room is never removed
// while messages still reference it.
func (p *GormPersist) DeleteRoom(room *types.Room) error {
	return translateError(p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(room).Error; err != nil {
			return err
		}
		sub := tx.Model(&types.Message{}).Select("id").Where("room_id = ?", room.Id)
		if err := tx.Where("message_id IN (?)", sub).Delete(&messageReader{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.Membership{}).Error; err != nil {
			return err
		}
		return tx.Delete(room).Error
	}))
}

func (p *GormPersist) UpsertMemberships(roomId string, userIds []string) ([]string, []string, error) {
	added := make([]string, 0, len(userIds))
	firstTime := make([]string, 0, len(userIds))
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&types.Room{Id: roomId}).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("room %s: %w", roomId, types.ErrNotFound)
			}
			return err
		}
		for _, userId := range userIds {
			if err := tx.First(&types.User{Id: userId}).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("user %s: %w", userId, types.ErrNotFound)
				}
				return err
			}
			m := types.Membership{}
			err := tx.Where("room_id = ? AND user_id = ?", roomId, userId).First(&m).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				m = types.Membership{UserId: userId, RoomId: roomId}
				if err := tx.Create(&m).Error; err != nil {
					return err
				}
				added = append(added, userId)
				firstTime = append(firstTime, userId)

			case err != nil:
				return err

			case m.UserLeft:
				// re-entry: flip the existing row, never insert a second one
				err := tx.Model(&types.Membership{}).
					Where("room_id = ? AND user_id = ?", roomId, userId).
					Update("user_left", false).Error
				if err != nil {
					return err
				}
				added = append(added, userId)

			default:
				// already active, not reported as added
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, translateError(err)
	}
	return added, firstTime, nil
}

func (p *GormPersist) MarkMembersLeft(roomId string, userIds []string) error {
	return translateError(p.db.Model(&types.Membership{}).
		Where("room_id = ? AND user_id IN (?)", roomId, userIds).
		Update("user_left", true).Error)
}

func (p *GormPersist) GetMembership(roomId, userId string) (*types.Membership, error) {
	m := types.Membership{}
	err := p.db.Where("room_id = ? AND user_id = ?", roomId, userId).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("membership (%s, %s): %w", userId, roomId, types.ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

func (p *GormPersist) RoomSnapshot(roomId string, messageLimit int) (*types.FormattedRoom, error) {
	room := types.Room{Id: roomId}
	if err := p.db.First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("room %s: %w", roomId, types.ErrNotFound)
		}
		return nil, err
	}
	memberships := make([]types.Membership, 0)
	if err := p.db.Where("room_id = ?", roomId).Order("created_at").Find(&memberships).Error; err != nil {
		return nil, err
	}
	userIds := make([]string, 0, len(memberships))
	for _, m := range memberships {
		userIds = append(userIds, m.UserId)
	}
	users := make([]*types.User, 0, len(userIds))
	if len(userIds) > 0 {
		if err := p.db.Where("id IN (?)", userIds).Find(&users).Error; err != nil {
			return nil, err
		}
	}
	userById := make(map[string]*types.User, len(users))
	for _, u := range users {
		userById[u.Id] = u
	}
	snapshot := &types.FormattedRoom{
		Id:        room.Id,
		Name:      room.Name,
		IsPrivate: room.IsPrivate,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
		Members:   make([]types.RoomMember, 0, len(memberships)),
		Messages:  make([]types.FormattedMessage, 0),
	}
	for _, m := range memberships {
		u, ok := userById[m.UserId]
		if !ok {
			continue
		}
		snapshot.Members = append(snapshot.Members, types.RoomMember{
			Id:        u.Id,
			Name:      u.Name,
			AvatarUrl: u.AvatarUrl,
			IsAdmin:   m.IsAdmin,
			UserLeft:  m.UserLeft,
		})
	}
	history, err := p.GetRoomHistory(roomId, messageLimit)
	if err != nil {
		return nil, err
	}
	for _, msg := range history {
		snapshot.Messages = append(snapshot.Messages, msg.Format())
	}
	return snapshot, nil
}

func (p *GormPersist) StoreMessage(msg *types.Message, readByAuthor bool) error {
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&types.Room{Id: msg.RoomId}).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("message %s references missing room %s: %w", msg.Id, msg.RoomId, types.ErrIntegrity)
			}
			return err
		}
		if err := tx.Omit("User", "Readers").Create(msg).Error; err != nil {
			return err
		}
		if readByAuthor {
			row := messageReader{MessageId: msg.Id, UserId: msg.UserId}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translateError(err)
	}
	return p.loadMessage(msg)
}

func (p *GormPersist) loadMessage(msg *types.Message) error {
	loaded := types.Message{Id: msg.Id}
	err := p.db.Preload("User").Preload("Readers").First(&loaded).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("message %s: %w", msg.Id, types.ErrNotFound)
		}
		return err
	}
	*msg = loaded
	return nil
}

func (p *GormPersist) GetMessage(msg *types.Message) error {
	return p.loadMessage(msg)
}

func (p *GormPersist) UpdateMessageContent(messageId, content string, edited bool) (*types.Message, error) {
	res := p.db.Model(&types.Message{Id: messageId}).
		Updates(map[string]interface{}{"content": content, "edited": edited})
	if res.Error != nil {
		return nil, translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("message %s: %w", messageId, types.ErrNotFound)
	}
	msg := &types.Message{Id: messageId}
	return msg, p.loadMessage(msg)
}

func (p *GormPersist) MarkMessageDeleted(messageId string) (*types.Message, error) {
	res := p.db.Model(&types.Message{Id: messageId}).Update("deleted", true)
	if res.Error != nil {
		return nil, translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("message %s: %w", messageId, types.ErrNotFound)
	}
	msg := &types.Message{Id: messageId}
	return msg, p.loadMessage(msg)
}

func (p *GormPersist) AddReaders(messageId string, userIds []string) (*types.Message, error) {
	msg := &types.Message{Id: messageId}
	if err := p.loadMessage(msg); err != nil {
		return nil, err
	}
	rows := make([]messageReader, 0, len(userIds))
	for _, userId := range userIds {
		rows = append(rows, messageReader{MessageId: messageId, UserId: userId})
	}
	if len(rows) > 0 {
		err := p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
		if err != nil {
			return nil, translateError(err)
		}
	}
	return msg, p.loadMessage(msg)
}

func (p *GormPersist) MarkRoomRead(roomId, userId string) ([]string, error) {
	ids := make([]string, 0)
	err := p.db.Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&messageReader{}).Select("message_id").Where("user_id = ?", userId)
		err := tx.Model(&types.Message{}).
			Where("room_id = ? AND id NOT IN (?)", roomId, sub).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		rows := make([]messageReader, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, messageReader{MessageId: id, UserId: userId})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return ids, nil
}

func (p *GormPersist) GetRoomHistory(roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	q := p.db.Preload("User").Preload("Readers").
		Where("room_id = ?", roomId).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, translateError(err)
	}
	// newest-first from the query, callers want oldest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *GormPersist) Close() error {
	db, err := p.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
