package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/charli-chat/charli-chat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runPersisterSuite exercises the Persister contract. Both backends run the
// same suite, backend-specific behavior gets its own tests.
func runPersisterSuite(t *testing.T, open func(t *testing.T) Persister) {
	seed := func(t *testing.T) Persister {
		t.Helper()
		p := open(t)
		require.NoError(t, p.StoreUser(types.User{Id: "alice", Name: "Alice", Email: "alice@example.com"}))
		require.NoError(t, p.StoreUser(types.User{Id: "bob", Name: "Bob", Email: "bob@example.com"}))
		require.NoError(t, p.StoreRoom(types.Room{Id: "general", Name: "General"}))
		return p
	}

	t.Run("user roundtrip", func(t *testing.T) {
		p := seed(t)
		user := types.User{Id: "alice"}
		require.NoError(t, p.GetUser(&user))
		assert.Equal(t, "Alice", user.Name)
		assert.Equal(t, "alice@example.com", user.Email)

		missing := types.User{Id: "nobody"}
		assert.True(t, errors.Is(p.GetUser(&missing), types.ErrNotFound))
	})

	t.Run("duplicate user name conflicts", func(t *testing.T) {
		p := seed(t)
		err := p.StoreUser(types.User{Id: "alice2", Name: "Alice", Email: "other@example.com"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrConflict))
	})

	t.Run("delete user is soft", func(t *testing.T) {
		p := seed(t)
		require.NoError(t, p.DeleteUser(&types.User{Id: "bob"}))
		user := types.User{Id: "bob"}
		require.NoError(t, p.GetUser(&user))
		assert.True(t, user.IsDeleted)
	})

	t.Run("friends are symmetric", func(t *testing.T) {
		p := seed(t)
		u, f, err := p.AddFriend("alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Id)
		assert.Equal(t, "bob", f.Id)

		alice := types.User{Id: "alice"}
		bob := types.User{Id: "bob"}
		require.NoError(t, p.GetUser(&alice))
		require.NoError(t, p.GetUser(&bob))
		require.Len(t, alice.Friends, 1)
		require.Len(t, bob.Friends, 1)
		assert.Equal(t, "bob", alice.Friends[0].Id)
		assert.Equal(t, "alice", bob.Friends[0].Id)

		_, _, err = p.AddFriend("alice", "nobody")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("membership upsert lifecycle", func(t *testing.T) {
		p := seed(t)
		added, firstTime, err := p.UpsertMemberships("general", []string{"alice", "bob"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, added)
		assert.ElementsMatch(t, []string{"alice", "bob"}, firstTime)

		// active members: nothing added
		added, firstTime, err = p.UpsertMemberships("general", []string{"alice"})
		require.NoError(t, err)
		assert.Empty(t, added)
		assert.Empty(t, firstTime)

		// a departed member re-enters via the same row
		require.NoError(t, p.MarkMembersLeft("general", []string{"alice"}))
		m, err := p.GetMembership("general", "alice")
		require.NoError(t, err)
		assert.True(t, m.UserLeft)

		added, firstTime, err = p.UpsertMemberships("general", []string{"alice"})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, added)
		assert.Empty(t, firstTime, "a re-entry is not a first-time join")
		m, err = p.GetMembership("general", "alice")
		require.NoError(t, err)
		assert.False(t, m.UserLeft)
	})

	t.Run("membership upsert validates room and users", func(t *testing.T) {
		p := seed(t)
		_, _, err := p.UpsertMemberships("no-such-room", []string{"alice"})
		assert.True(t, errors.Is(err, types.ErrNotFound))
		_, _, err = p.UpsertMemberships("general", []string{"nobody"})
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("message store and author read", func(t *testing.T) {
		p := seed(t)
		msg := &types.Message{Id: "m1", Content: "hi", UserId: "alice", RoomId: "general"}
		require.NoError(t, p.StoreMessage(msg, true))
		require.NotNil(t, msg.User)
		assert.Equal(t, "Alice", msg.User.Name)
		require.Len(t, msg.Readers, 1)
		assert.Equal(t, "alice", msg.Readers[0].Id)

		bare := &types.Message{Id: "m2", Content: "psst", UserId: "alice", RoomId: "general"}
		require.NoError(t, p.StoreMessage(bare, false))
		assert.Empty(t, bare.Readers)
	})

	t.Run("message into missing room fails with integrity error", func(t *testing.T) {
		p := seed(t)
		msg := &types.Message{Id: "m1", Content: "hi", UserId: "alice", RoomId: "gone"}
		err := p.StoreMessage(msg, true)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrIntegrity))
	})

	t.Run("edit and tombstone", func(t *testing.T) {
		p := seed(t)
		msg := &types.Message{Id: "m1", Content: "helo", UserId: "alice", RoomId: "general"}
		require.NoError(t, p.StoreMessage(msg, true))

		edited, err := p.UpdateMessageContent("m1", "hello", true)
		require.NoError(t, err)
		assert.Equal(t, "hello", edited.Content)
		assert.True(t, edited.Edited)

		deleted, err := p.MarkMessageDeleted("m1")
		require.NoError(t, err)
		assert.True(t, deleted.Deleted)
		assert.Equal(t, "hello", deleted.Content, "tombstoning keeps the content")

		_, err = p.UpdateMessageContent("nope", "x", true)
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("readers grow monotonically", func(t *testing.T) {
		p := seed(t)
		msg := &types.Message{Id: "m1", Content: "hi", UserId: "alice", RoomId: "general"}
		require.NoError(t, p.StoreMessage(msg, true))

		withBob, err := p.AddReaders("m1", []string{"bob"})
		require.NoError(t, err)
		assert.Len(t, withBob.Readers, 2)

		again, err := p.AddReaders("m1", []string{"bob", "alice"})
		require.NoError(t, err)
		assert.Len(t, again.Readers, 2, "repeated adds are no-ops")
	})

	t.Run("mark room read returns newly marked ids", func(t *testing.T) {
		p := seed(t)
		for _, id := range []string{"m1", "m2"} {
			msg := &types.Message{Id: id, Content: "hi " + id, UserId: "alice", RoomId: "general"}
			require.NoError(t, p.StoreMessage(msg, true))
			time.Sleep(2 * time.Millisecond)
		}
		ids, err := p.MarkRoomRead("general", "bob")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

		ids, err = p.MarkRoomRead("general", "bob")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("history is oldest first and bounded", func(t *testing.T) {
		p := seed(t)
		for _, id := range []string{"m1", "m2", "m3"} {
			msg := &types.Message{Id: id, Content: id, UserId: "alice", RoomId: "general"}
			require.NoError(t, p.StoreMessage(msg, true))
			time.Sleep(2 * time.Millisecond)
		}
		history, err := p.GetRoomHistory("general", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "m2", history[0].Id)
		assert.Equal(t, "m3", history[1].Id)
		require.NotNil(t, history[0].User)
		assert.Equal(t, "Alice", history[0].User.Name)
	})

	t.Run("room snapshot joins members and messages", func(t *testing.T) {
		p := seed(t)
		_, _, err := p.UpsertMemberships("general", []string{"alice", "bob"})
		require.NoError(t, err)
		msg := &types.Message{Id: "m1", Content: "hi", UserId: "alice", RoomId: "general"}
		require.NoError(t, p.StoreMessage(msg, true))

		snapshot, err := p.RoomSnapshot("general", 20)
		require.NoError(t, err)
		assert.Equal(t, "general", snapshot.Id)
		assert.Len(t, snapshot.Members, 2)
		require.Len(t, snapshot.Messages, 1)
		assert.Equal(t, "hi", snapshot.Messages[0].Content)
		assert.Equal(t, "Alice", snapshot.Messages[0].User.Name)

		_, err = p.RoomSnapshot("no-such-room", 20)
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("room delete cascades", func(t *testing.T) {
		p := seed(t)
		_, _, err := p.UpsertMemberships("general", []string{"alice"})
		require.NoError(t, err)
		msg := &types.Message{Id: "m1", Content: "hi", UserId: "alice", RoomId: "general"}
		require.NoError(t, p.StoreMessage(msg, true))

		require.NoError(t, p.DeleteRoom(&types.Room{Id: "general"}))
		assert.True(t, errors.Is(p.GetRoom(&types.Room{Id: "general"}), types.ErrNotFound))
		assert.True(t, errors.Is(p.GetMessage(&types.Message{Id: "m1"}), types.ErrNotFound))
		_, err = p.GetMembership("general", "alice")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}
