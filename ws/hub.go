package ws

import (
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/charli-chat/charli-chat/filter"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/types"
)

// Hub owns the two process-local mutable maps of the realtime layer: the
// connection registry (user id -> live connections, multi-device) and the
// room fan-out router (room id -> subscribed connections). Both are rebuilt
// from nothing on restart, only room memberships are durable. One Hub exists
// per server process and is passed into the gateway and coordinators.
type Hub struct {
	mu          sync.RWMutex
	userConns   map[string]map[*Client]struct{}
	rooms       map[string]map[*Client]struct{}
	clientRooms map[*Client]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		userConns:   make(map[string]map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[string]struct{}),
	}
}

// Register adds the connection to its user's set, idempotent per
// (user, connection) pair.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	conns, ok := h.userConns[c.user.Id]
	if !ok {
		conns = make(map[*Client]struct{})
		h.userConns[c.user.Id] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()
	globals.AppLogger.Debug("registered connection", "connection", c.Id, "user", c.user.Id)
}

// Unregister drops the connection from the registry and from every room it
// subscribed to. An emptied user entry is removed so presence checks stay a
// plain key lookup.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if conns, ok := h.userConns[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userConns, c.user.Id)
		}
	}
	for roomId := range h.clientRooms[c] {
		h.dropSubscription(c, roomId)
	}
	delete(h.clientRooms, c)
	h.mu.Unlock()
	globals.AppLogger.Debug("unregistered connection", "connection", c.Id, "user", c.user.Id)
}

// ConnectionsFor returns the user's live connections, possibly none.
func (h *Hub) ConnectionsFor(userId string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Client, 0, len(h.userConns[userId]))
	for c := range h.userConns[userId] {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userId string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.userConns[userId]
	return ok
}

// Subscribe adds the connection to the room's fan-out set. Returns false if
// it was already subscribed (no duplicate delivery).
func (h *Hub) Subscribe(c *Client, roomId string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clientRooms[c][roomId]; ok {
		return false
	}
	room, ok := h.rooms[roomId]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[roomId] = room
	}
	room[c] = struct{}{}
	memberships, ok := h.clientRooms[c]
	if !ok {
		memberships = make(map[string]struct{})
		h.clientRooms[c] = memberships
	}
	memberships[roomId] = struct{}{}
	return true
}

// Unsubscribe removes the connection from the room's fan-out set.
func (h *Hub) Unsubscribe(c *Client, roomId string) {
	h.mu.Lock()
	h.dropSubscription(c, roomId)
	if memberships, ok := h.clientRooms[c]; ok {
		delete(memberships, roomId)
		if len(memberships) == 0 {
			delete(h.clientRooms, c)
		}
	}
	h.mu.Unlock()
}

// dropSubscription removes c from the room set only. Callers hold the lock
// and maintain clientRooms themselves.
func (h *Hub) dropSubscription(c *Client, roomId string) {
	if room, ok := h.rooms[roomId]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, roomId)
		}
	}
}

// IsSubscribed reports whether the connection currently receives the room's
// broadcasts.
func (h *Hub) IsSubscribed(c *Client, roomId string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clientRooms[c][roomId]
	return ok
}

// SubscribedRooms returns the room ids the connection is subscribed to.
func (h *Hub) SubscribedRooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.clientRooms[c]))
	for roomId := range h.clientRooms[c] {
		rooms = append(rooms, roomId)
	}
	return rooms
}

// BroadcastRoom delivers the event to every connection currently subscribed
// to the room. The subscriber set is read at call time, never cached across
// blocking work: a set snapshot is taken under the lock and the enqueues
// happen outside it, in order, so per-connection ordering is preserved by
// each connection's single outbound channel.
func (h *Hub) BroadcastRoom(roomId string, event *types.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomId]))
	for c := range h.rooms[roomId] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

// BroadcastUsers delivers the event to every connection of the given users,
// subscribed to anything or not (registry lookup, not room fan-out).
func (h *Hub) BroadcastUsers(userIds []string, event *types.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0)
	for _, userId := range userIds {
		for c := range h.userConns[userId] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

// NotifyUsersNotViewing delivers the event to connections of the given users
// which are NOT subscribed to the room. Used after an invite: subscribed
// connections already got the room broadcast, the rest of the invitee's
// devices still need to learn about the room.
func (h *Hub) NotifyUsersNotViewing(userIds []string, roomId string, event *types.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0)
	for _, userId := range userIds {
		for c := range h.userConns[userId] {
			if _, viewing := h.clientRooms[c][roomId]; !viewing {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

// BroadcastClients delivers the event to exactly the given connections.
func (h *Hub) BroadcastClients(clients []*Client, event *types.Event) {
	h.deliver(clients, event)
}

// BroadcastAll delivers the event to every registered connection.
func (h *Hub) BroadcastAll(event *types.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0)
	for _, conns := range h.userConns {
		for c := range conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, event)
}

func (h *Hub) deliver(targets []*Client, event *types.Event) {
	if len(targets) == 0 {
		return
	}
	data, err := event.MarshalWire()
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event.Name, "error", err)
		return
	}
	var prog *vm.Program
	if event.TargetFilter != "" {
		prog, err = expr.Compile(event.TargetFilter, expr.Env(filter.Env{}))
		if err != nil {
			// a broken filter delivers to nobody rather than to everybody
			globals.AppLogger.Error("could not compile target filter", "filter", event.TargetFilter, "error", err)
			return
		}
	}
	for _, c := range targets {
		if prog != nil && !c.matchFilter(event, prog) {
			continue
		}
		if err := c.enqueue(data); err != nil {
			globals.AppLogger.Debug("dropped event for connection", "connection", c.Id, "event", event.Name, "error", err)
		}
	}
}

// Info returns the current occupancy snapshot.
func (h *Hub) Info() types.InfoPayload {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info := types.InfoPayload{
		Users:       len(h.userConns),
		ActiveRooms: len(h.rooms),
	}
	for _, conns := range h.userConns {
		info.Connections += len(conns)
	}
	for _, memberships := range h.clientRooms {
		info.Subscriptions += len(memberships)
	}
	return info
}

// SendInfo broadcasts the occupancy snapshot to all connections.
func (h *Hub) SendInfo() {
	h.BroadcastAll(types.NewEvent(types.EventRoomInfo, h.Info()))
}
