package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/types"
	"github.com/gofrs/flock"
	"github.com/tidwall/buntdb"
)

// BuntDBPersist is the embedded KV backend, used for development and tests
// (":memory:"). Records are JSON values under typed key prefixes:
//
//	user:<id>
//	friend:<userId>:<friendId>     (one key per direction)
//	room:<id>
//	member:<roomId>:<userId>
//	msg:<id>
type BuntDBPersist struct {
	db       *buntdb.DB
	fileLock *flock.Flock
}

// buntMessage is the stored message shape. CreatedNs is indexed for ordered
// history queries, reader ids are embedded instead of join rows.
type buntMessage struct {
	Id        string   `json:"id"`
	Content   string   `json:"content"`
	UserId    string   `json:"user_id"`
	RoomId    string   `json:"room_id"`
	Edited    bool     `json:"edited"`
	Deleted   bool     `json:"deleted"`
	ReaderIds []string `json:"reader_ids"`
	CreatedNs int64    `json:"created_ns"`
	UpdatedNs int64    `json:"updated_ns"`
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("empty dsn")
	}
	var fileLock *flock.Flock
	if lockPath := cfg.PersistenceConfig.FlockPath; lockPath != "" && cfg.PersistenceConfig.DSN != ":memory:" {
		fileLock = flock.New(lockPath)
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("database %s is locked by another process", cfg.PersistenceConfig.DSN)
		}
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		if fileLock != nil {
			fileLock.Unlock()
		}
		return nil, err
	}
	if err := db.CreateIndex("messages_created", "msg:*", buntdb.IndexJSON("created_ns")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return &BuntDBPersist{db: db, fileLock: fileLock}, nil
}

func userKey(id string) string             { return "user:" + id }
func roomKey(id string) string             { return "room:" + id }
func memberKey(roomId, userId string) string { return "member:" + roomId + ":" + userId }
func msgKey(id string) string              { return "msg:" + id }
func friendKey(a, b string) string         { return "friend:" + a + ":" + b }

func getJSON(tx *buntdb.Tx, key string, out interface{}) error {
	val, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		return fmt.Errorf("%s: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), out)
}

func setJSON(tx *buntdb.Tx, key string, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

func (p *BuntDBPersist) StoreUser(user types.User) error {
	if user.Id == "" {
		return fmt.Errorf("no user id: %w", types.ErrValidation)
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		// enforce the unique name/email constraints the relational backend
		// gets from its indexes
		conflictFields := make([]string, 0, 2)
		err := tx.AscendKeys(userKey("*"), func(key, val string) bool {
			other := types.User{}
			if json.Unmarshal([]byte(val), &other) != nil {
				return true
			}
			if other.Id == user.Id {
				return true
			}
			if other.Email == user.Email {
				conflictFields = append(conflictFields, "email")
			}
			if other.Name == user.Name {
				conflictFields = append(conflictFields, "name")
			}
			return len(conflictFields) == 0
		})
		if err != nil {
			return err
		}
		if len(conflictFields) > 0 {
			return &types.ConflictError{Fields: conflictFields}
		}
		user.Friends = nil
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now()
		}
		user.UpdatedAt = time.Now()
		return setJSON(tx, userKey(user.Id), user)
	})
}

func (p *BuntDBPersist) getUserTx(tx *buntdb.Tx, user *types.User) error {
	if user.Id == "" {
		return fmt.Errorf("no user id: %w", types.ErrValidation)
	}
	if err := getJSON(tx, userKey(user.Id), user); err != nil {
		return err
	}
	user.Friends = nil
	return tx.AscendKeys(friendKey(user.Id, "*"), func(key, val string) bool {
		friendId := strings.TrimPrefix(key, friendKey(user.Id, ""))
		friend := types.User{}
		if getJSON(tx, userKey(friendId), &friend) == nil {
			user.Friends = append(user.Friends, &friend)
		}
		return true
	})
}

func (p *BuntDBPersist) GetUser(user *types.User) error {
	return p.db.View(func(tx *buntdb.Tx) error {
		return p.getUserTx(tx, user)
	})
}

func (p *BuntDBPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(userKey("*"), func(key, val string) bool {
			user := types.User{}
			if json.Unmarshal([]byte(val), &user) == nil {
				users = append(users, &user)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Id < users[j].Id })
	return users, nil
}

func (p *BuntDBPersist) DeleteUser(user *types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		stored := types.User{Id: user.Id}
		if err := getJSON(tx, userKey(user.Id), &stored); err != nil {
			return err
		}
		stored.IsDeleted = true
		stored.UpdatedAt = time.Now()
		return setJSON(tx, userKey(user.Id), stored)
	})
}

func (p *BuntDBPersist) AddFriend(userId, friendId string) (*types.User, *types.User, error) {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		for _, id := range []string{userId, friendId} {
			if _, err := tx.Get(userKey(id)); err == buntdb.ErrNotFound {
				return fmt.Errorf("user %s: %w", id, types.ErrNotFound)
			} else if err != nil {
				return err
			}
		}
		if _, _, err := tx.Set(friendKey(userId, friendId), "1", nil); err != nil {
			return err
		}
		_, _, err := tx.Set(friendKey(friendId, userId), "1", nil)
		return err
	})
	if err != nil {
		return nil, nil, err
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

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("no room id: %w", types.ErrValidation)
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		if room.CreatedAt.IsZero() {
			room.CreatedAt = time.Now()
		}
		room.UpdatedAt = time.Now()
		return setJSON(tx, roomKey(room.Id), room)
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	return p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, roomKey(room.Id), room)
	})
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(roomKey("*"), func(key, val string) bool {
			room := types.Room{}
			if json.Unmarshal([]byte(val), &room) == nil {
				rooms = append(rooms, &room)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Id < rooms[j].Id })
	return rooms, nil
}

func (p *BuntDBPersist) DeleteRoom(room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if err := getJSON(tx, roomKey(room.Id), room); err != nil {
			return err
		}
		doomed := make([]string, 0)
		err := tx.AscendKeys(msgKey("*"), func(key, val string) bool {
			msg := buntMessage{}
			if json.Unmarshal([]byte(val), &msg) == nil && msg.RoomId == room.Id {
				doomed = append(doomed, key)
			}
			return true
		})
		if err != nil {
			return err
		}
		err = tx.AscendKeys(memberKey(room.Id, "*"), func(key, val string) bool {
			doomed = append(doomed, key)
			return true
		})
		if err != nil {
			return err
		}
		doomed = append(doomed, roomKey(room.Id))
		for _, key := range doomed {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) UpsertMemberships(roomId string, userIds []string) ([]string, []string, error) {
	added := make([]string, 0, len(userIds))
	firstTime := make([]string, 0, len(userIds))
	err := p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(roomKey(roomId)); err == buntdb.ErrNotFound {
			return fmt.Errorf("room %s: %w", roomId, types.ErrNotFound)
		} else if err != nil {
			return err
		}
		for _, userId := range userIds {
			if _, err := tx.Get(userKey(userId)); err == buntdb.ErrNotFound {
				return fmt.Errorf("user %s: %w", userId, types.ErrNotFound)
			} else if err != nil {
				return err
			}
			m := types.Membership{}
			err := getJSON(tx, memberKey(roomId, userId), &m)
			switch {
			case errors.Is(err, types.ErrNotFound):
				m = types.Membership{UserId: userId, RoomId: roomId, CreatedAt: time.Now(), UpdatedAt: time.Now()}
				if err := setJSON(tx, memberKey(roomId, userId), m); err != nil {
					return err
				}
				added = append(added, userId)
				firstTime = append(firstTime, userId)

			case err != nil:
				return err

			case m.UserLeft:
				m.UserLeft = false
				m.UpdatedAt = time.Now()
				if err := setJSON(tx, memberKey(roomId, userId), m); err != nil {
					return err
				}
				added = append(added, userId)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, firstTime, nil
}

func (p *BuntDBPersist) MarkMembersLeft(roomId string, userIds []string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		for _, userId := range userIds {
			m := types.Membership{}
			if err := getJSON(tx, memberKey(roomId, userId), &m); err != nil {
				continue // never joined, nothing to flip
			}
			m.UserLeft = true
			m.UpdatedAt = time.Now()
			if err := setJSON(tx, memberKey(roomId, userId), m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) GetMembership(roomId, userId string) (*types.Membership, error) {
	m := types.Membership{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, memberKey(roomId, userId), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *BuntDBPersist) roomMessagesTx(tx *buntdb.Tx, roomId string, limit int) ([]*types.Message, error) {
	stored := make([]buntMessage, 0)
	err := tx.Descend("messages_created", func(key, val string) bool {
		msg := buntMessage{}
		if json.Unmarshal([]byte(val), &msg) == nil && msg.RoomId == roomId {
			stored = append(stored, msg)
		}
		return limit <= 0 || len(stored) < limit
	})
	if err != nil {
		return nil, err
	}
	// newest-first from the index, return oldest-first
	messages := make([]*types.Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		messages = append(messages, p.hydrateMessageTx(tx, stored[i]))
	}
	return messages, nil
}

// hydrateMessageTx resolves the author and reader records of a stored message.
func (p *BuntDBPersist) hydrateMessageTx(tx *buntdb.Tx, stored buntMessage) *types.Message {
	msg := &types.Message{
		Id:        stored.Id,
		Content:   stored.Content,
		UserId:    stored.UserId,
		RoomId:    stored.RoomId,
		Edited:    stored.Edited,
		Deleted:   stored.Deleted,
		CreatedAt: time.Unix(0, stored.CreatedNs),
		UpdatedAt: time.Unix(0, stored.UpdatedNs),
		Readers:   make([]*types.User, 0, len(stored.ReaderIds)),
	}
	author := types.User{}
	if getJSON(tx, userKey(stored.UserId), &author) == nil {
		msg.User = &author
	}
	for _, readerId := range stored.ReaderIds {
		reader := types.User{}
		if getJSON(tx, userKey(readerId), &reader) == nil {
			msg.Readers = append(msg.Readers, &reader)
		}
	}
	return msg
}

func (p *BuntDBPersist) RoomSnapshot(roomId string, messageLimit int) (*types.FormattedRoom, error) {
	snapshot := &types.FormattedRoom{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		room := types.Room{Id: roomId}
		if err := getJSON(tx, roomKey(roomId), &room); err != nil {
			return err
		}
		snapshot.Id = room.Id
		snapshot.Name = room.Name
		snapshot.IsPrivate = room.IsPrivate
		snapshot.CreatedAt = room.CreatedAt
		snapshot.UpdatedAt = room.UpdatedAt
		snapshot.Members = make([]types.RoomMember, 0)
		snapshot.Messages = make([]types.FormattedMessage, 0)
		memberships := make([]types.Membership, 0)
		err := tx.AscendKeys(memberKey(roomId, "*"), func(key, val string) bool {
			m := types.Membership{}
			if json.Unmarshal([]byte(val), &m) == nil {
				memberships = append(memberships, m)
			}
			return true
		})
		if err != nil {
			return err
		}
		sort.Slice(memberships, func(i, j int) bool {
			return memberships[i].CreatedAt.Before(memberships[j].CreatedAt)
		})
		for _, m := range memberships {
			u := types.User{}
			if getJSON(tx, userKey(m.UserId), &u) != nil {
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
		messages, err := p.roomMessagesTx(tx, roomId, messageLimit)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			snapshot.Messages = append(snapshot.Messages, msg.Format())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (p *BuntDBPersist) StoreMessage(msg *types.Message, readByAuthor bool) error {
	if msg.Id == "" {
		return fmt.Errorf("no message id: %w", types.ErrValidation)
	}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(roomKey(msg.RoomId)); err == buntdb.ErrNotFound {
			return fmt.Errorf("message %s references missing room %s: %w", msg.Id, msg.RoomId, types.ErrIntegrity)
		} else if err != nil {
			return err
		}
		now := time.Now()
		stored := buntMessage{
			Id:        msg.Id,
			Content:   msg.Content,
			UserId:    msg.UserId,
			RoomId:    msg.RoomId,
			Edited:    msg.Edited,
			Deleted:   msg.Deleted,
			ReaderIds: make([]string, 0, 1),
			CreatedNs: now.UnixNano(),
			UpdatedNs: now.UnixNano(),
		}
		if readByAuthor {
			stored.ReaderIds = append(stored.ReaderIds, msg.UserId)
		}
		if err := setJSON(tx, msgKey(msg.Id), stored); err != nil {
			return err
		}
		*msg = *p.hydrateMessageTx(tx, stored)
		return nil
	})
	return err
}

func (p *BuntDBPersist) GetMessage(msg *types.Message) error {
	return p.db.View(func(tx *buntdb.Tx) error {
		stored := buntMessage{}
		if err := getJSON(tx, msgKey(msg.Id), &stored); err != nil {
			return err
		}
		*msg = *p.hydrateMessageTx(tx, stored)
		return nil
	})
}

func (p *BuntDBPersist) updateMessage(messageId string, mutate func(*buntMessage)) (*types.Message, error) {
	var msg *types.Message
	err := p.db.Update(func(tx *buntdb.Tx) error {
		stored := buntMessage{}
		if err := getJSON(tx, msgKey(messageId), &stored); err != nil {
			return err
		}
		mutate(&stored)
		stored.UpdatedNs = time.Now().UnixNano()
		if err := setJSON(tx, msgKey(messageId), stored); err != nil {
			return err
		}
		msg = p.hydrateMessageTx(tx, stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *BuntDBPersist) UpdateMessageContent(messageId, content string, edited bool) (*types.Message, error) {
	return p.updateMessage(messageId, func(m *buntMessage) {
		m.Content = content
		m.Edited = edited
	})
}

func (p *BuntDBPersist) MarkMessageDeleted(messageId string) (*types.Message, error) {
	return p.updateMessage(messageId, func(m *buntMessage) {
		m.Deleted = true
	})
}

func (p *BuntDBPersist) AddReaders(messageId string, userIds []string) (*types.Message, error) {
	return p.updateMessage(messageId, func(m *buntMessage) {
		m.ReaderIds = mergeIds(m.ReaderIds, userIds)
	})
}

func mergeIds(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}

func (p *BuntDBPersist) MarkRoomRead(roomId, userId string) ([]string, error) {
	marked := make([]string, 0)
	err := p.db.Update(func(tx *buntdb.Tx) error {
		pending := make([]buntMessage, 0)
		err := tx.AscendKeys(msgKey("*"), func(key, val string) bool {
			msg := buntMessage{}
			if json.Unmarshal([]byte(val), &msg) == nil && msg.RoomId == roomId {
				already := false
				for _, r := range msg.ReaderIds {
					if r == userId {
						already = true
						break
					}
				}
				if !already {
					pending = append(pending, msg)
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, msg := range pending {
			msg.ReaderIds = append(msg.ReaderIds, userId)
			msg.UpdatedNs = time.Now().UnixNano()
			if err := setJSON(tx, msgKey(msg.Id), msg); err != nil {
				return err
			}
			marked = append(marked, msg.Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

func (p *BuntDBPersist) GetRoomHistory(roomId string, limit int) ([]*types.Message, error) {
	var messages []*types.Message
	err := p.db.View(func(tx *buntdb.Tx) error {
		var err error
		messages, err = p.roomMessagesTx(tx, roomId, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.fileLock != nil {
		if unlockErr := p.fileLock.Unlock(); err == nil {
			err = unlockErr
		}
	}
	return err
}
