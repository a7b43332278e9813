package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/charli-chat/charli-chat/ai"
	"github.com/charli-chat/charli-chat/auth"
	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
)

// Gateway authenticates websocket handshakes and binds the event handlers of
// each accepted connection. Authentication is fail-closed and happens before
// the upgrade: a request without a resolvable credential never becomes a
// connection.
type Gateway struct {
	cfg       *config.Config
	hub       *Hub
	persister persistence.Persister
	resolver  auth.Resolver
	rooms     *RoomCoordinator
	pipeline  *MessagePipeline
	upgrader  websocket.Upgrader
}

func NewGateway(cfg *config.Config, hub *Hub, persister persistence.Persister, resolver auth.Resolver, provider ai.Provider) *Gateway {
	var assistant *Assistant
	if provider != nil {
		assistant = NewAssistant(cfg.AssistantConfig, hub, persister, provider)
	}
	return &Gateway{
		cfg:       cfg,
		hub:       hub,
		persister: persister,
		resolver:  resolver,
		rooms:     NewRoomCoordinator(hub, persister, cfg.HistoryConfig.HistorySize),
		pipeline:  NewMessagePipeline(hub, persister, assistant),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWebsocket is the handshake endpoint. It resolves the presented
// credential to a user, upgrades, registers the connection and runs the read
// loop until disconnect.
func (g *Gateway) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userId, err := g.resolver.Resolve(r.Context(), token)
	if err != nil {
		globals.AppLogger.Debug("handshake rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user := &types.User{Id: userId}
	if err := g.persister.GetUser(user); err != nil {
		globals.AppLogger.Warn("authenticated user not in store", "user", userId, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if user.IsDeleted {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Warn("upgrade failed", "user", userId, "error", err)
		return
	}
	client := NewClient(g.hub, conn, user)
	g.bindHandlers(client)
	g.hub.Register(client)
	globals.AppLogger.Info("connection established", "connection", client.Id, "user", user.Id)
	g.hub.SendInfo()
	go client.WriteLoop()
	client.ReadLoop()
	g.hub.SendInfo()
}

// bearerToken extracts the credential from the Authorization header, the
// token header or the token query parameter, in that order.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if h := r.Header.Get("token"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}

// bindHandlers wires the flat event table of one connection. Every handler
// decodes its payload, runs the corresponding coordinator operation and
// reports failures back on the same connection.
func (g *Gateway) bindHandlers(c *Client) {
	c.On(types.EventJoinRoom, func(data json.RawMessage) {
		var payload types.JoinRoomPayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventJoinRoom, err)
			return
		}
		g.rooms.JoinLive(c, payload.RoomIds)
	})
	c.On(types.EventSendMessage, func(data json.RawMessage) {
		var payload types.SendMessagePayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventSendMessage, err)
			return
		}
		if _, err := g.pipeline.Ingest(c, payload.RoomId, payload.Content, payload.Filter); err != nil {
			g.reportError(c, types.EventSendMessage, err)
		}
	})
	c.On(types.EventInviteToRoom, func(data json.RawMessage) {
		var payload types.InviteToRoomPayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventInviteToRoom, err)
			return
		}
		if _, _, err := g.rooms.Invite(c.user, payload.RoomId, payload.FriendIds); err != nil {
			g.reportError(c, types.EventInviteToRoom, err)
		}
	})
	c.On(types.EventRemoveFromRoom, func(data json.RawMessage) {
		var payload types.RemoveFromRoomPayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventRemoveFromRoom, err)
			return
		}
		if _, err := g.rooms.Remove(c.user, payload.RoomId, payload.FriendIds); err != nil {
			g.reportError(c, types.EventRemoveFromRoom, err)
		}
	})
	c.On(types.EventAddFriend, func(data json.RawMessage) {
		var payload types.AddFriendPayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventAddFriend, err)
			return
		}
		if err := g.rooms.AddFriends(c.user, payload.FriendIds); err != nil {
			g.reportError(c, types.EventAddFriend, err)
		}
	})
	c.On(types.EventEditMessage, func(data json.RawMessage) {
		var payload types.EditMessagePayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventEditMessage, err)
			return
		}
		if _, err := g.pipeline.Edit(c, payload.MessageId, payload.Content); err != nil {
			g.reportError(c, types.EventEditMessage, err)
		}
	})
	c.On(types.EventDeleteMessage, func(data json.RawMessage) {
		var payload types.DeleteMessagePayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventDeleteMessage, err)
			return
		}
		if _, err := g.pipeline.Delete(c, payload.MessageId); err != nil {
			g.reportError(c, types.EventDeleteMessage, err)
		}
	})
	c.On(types.EventReadRoom, func(data json.RawMessage) {
		var payload types.ReadRoomPayload
		if err := decodePayload(data, &payload); err != nil {
			g.reportError(c, types.EventReadRoom, err)
			return
		}
		if _, err := g.pipeline.MarkRead(c, payload.RoomId); err != nil {
			g.reportError(c, types.EventReadRoom, err)
		}
	})
}

// reportError logs the failure and sends a client-visible error event back
// on the originating connection. Other room members never see it.
func (g *Gateway) reportError(c *Client, operation string, err error) {
	globals.AppLogger.Warn("operation failed", "operation", operation, "connection", c.Id, "user", c.user.Id, "error", err)
	message := "internal error"
	switch {
	case errors.Is(err, types.ErrValidation):
		message = err.Error()
	case errors.Is(err, types.ErrNotFound):
		message = "not found"
	case errors.Is(err, types.ErrConflict):
		message = err.Error()
	case errors.Is(err, types.ErrIntegrity):
		message = "the room no longer exists"
	}
	if err := c.SendEvent(types.NewEvent(types.EventError, types.ErrorPayload{
		Operation: operation,
		Message:   message,
	})); err != nil {
		globals.AppLogger.Debug("could not deliver error event", "connection", c.Id, "error", err)
	}
}

// decodePayload unmarshals the wire data object and weakly decodes it into
// the typed payload, so numeric strings and friends from loose clients still
// land.
func decodePayload(data json.RawMessage, out interface{}) error {
	raw := make(map[string]interface{})
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("malformed payload: %w", types.ErrValidation)
	}
	if err := mapstructure.WeakDecode(raw, out); err != nil {
		return fmt.Errorf("malformed payload: %w", types.ErrValidation)
	}
	return nil
}
