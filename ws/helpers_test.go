package ws

import (
	"encoding/json"
	"testing"

	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
	"github.com/stretchr/testify/require"
)

func newTestPersister(t *testing.T) persistence.Persister {
	t.Helper()
	p, err := persistence.NewBuntPersister(&config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func seedUser(t *testing.T, p persistence.Persister, id, name string) *types.User {
	t.Helper()
	user := types.User{Id: id, Name: name, Email: name + "@example.com"}
	require.NoError(t, p.StoreUser(user))
	return &user
}

func seedRoom(t *testing.T, p persistence.Persister, id, name string) *types.Room {
	t.Helper()
	room := types.Room{Id: id, Name: name}
	require.NoError(t, p.StoreRoom(room))
	return &room
}

// testClient is a registered client without a socket. Outbound events are
// inspected straight off the Send channel.
func testClient(hub *Hub, user *types.User) *Client {
	c := NewClient(hub, nil, user)
	hub.Register(c)
	return c
}

// received drains and decodes everything currently queued for the client.
func received(t *testing.T, c *Client) []types.WebsocketMessage {
	t.Helper()
	var out []types.WebsocketMessage
	for {
		select {
		case data := <-c.Send:
			var msg types.WebsocketMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func eventNames(msgs []types.WebsocketMessage) []string {
	names := make([]string, 0, len(msgs))
	for _, m := range msgs {
		names = append(names, m.Event)
	}
	return names
}
