package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
	"github.com/google/uuid"
)

// MessagePipeline runs a message through persist, fan-out and the optional
// assistant trigger, in that order. Persist-then-broadcast: a message no
// client ever saw but the store kept is acceptable, the reverse is not.
type MessagePipeline struct {
	hub       *Hub
	persister persistence.Persister
	assistant *Assistant
}

func NewMessagePipeline(hub *Hub, persister persistence.Persister, assistant *Assistant) *MessagePipeline {
	return &MessagePipeline{hub: hub, persister: persister, assistant: assistant}
}

// Ingest persists and broadcasts one message from the given connection. An
// empty room id is rejected before any store access. A message into a room
// that was deleted underneath the sender is logged and reported back to the
// sender only, nothing is broadcast.
func (p *MessagePipeline) Ingest(c *Client, roomId, content, targetFilter string) (*types.Message, error) {
	if roomId == "" {
		return nil, fmt.Errorf("missing room id: %w", types.ErrValidation)
	}
	msg := &types.Message{
		Id:      uuid.NewString(),
		Content: content,
		UserId:  c.user.Id,
		RoomId:  roomId,
	}
	if err := p.persister.StoreMessage(msg, true); err != nil {
		if errors.Is(err, types.ErrIntegrity) {
			globals.AppLogger.Error("message for vanished room", "room", roomId, "user", c.user.Id, "error", err)
		}
		return nil, err
	}
	event := types.NewEvent(types.EventReceiveMessage, msg.Format())
	event.Source = c.user
	if targetFilter != "" {
		event.TargetFilter = targetFilter
		room := &types.Room{Id: roomId}
		if err := p.persister.GetRoom(room); err == nil {
			event.Room = room
		}
	}
	p.hub.BroadcastRoom(roomId, event)
	p.maybeTriggerAssistant(roomId, c.user, content)
	return msg, nil
}

// maybeTriggerAssistant starts an assistant reply when the assistant user is
// an active member of the room. The reply runs on its own goroutine so the
// sender's read loop is never blocked on the model.
func (p *MessagePipeline) maybeTriggerAssistant(roomId string, trigger *types.User, prompt string) {
	if p.assistant == nil {
		return
	}
	membership, err := p.persister.GetMembership(roomId, p.assistant.UserId())
	if err != nil || membership.UserLeft {
		return
	}
	go func() {
		if err := p.assistant.Respond(context.Background(), roomId, trigger, prompt); err != nil {
			globals.AppLogger.Error("assistant response failed", "room", roomId, "error", err)
		}
	}()
}

// Edit updates a message's content and broadcasts the edited message to its
// room.
func (p *MessagePipeline) Edit(c *Client, messageId, content string) (*types.Message, error) {
	if messageId == "" {
		return nil, fmt.Errorf("missing message id: %w", types.ErrValidation)
	}
	msg, err := p.persister.UpdateMessageContent(messageId, content, true)
	if err != nil {
		return nil, err
	}
	event := types.NewEvent(types.EventEditedMessage, msg.Format())
	event.Source = c.user
	p.hub.BroadcastRoom(msg.RoomId, event)
	return msg, nil
}

// Delete tombstones a message and broadcasts the deletion to its room. The
// row is kept with Deleted set so client histories keep their shape.
func (p *MessagePipeline) Delete(c *Client, messageId string) (*types.Message, error) {
	if messageId == "" {
		return nil, fmt.Errorf("missing message id: %w", types.ErrValidation)
	}
	msg, err := p.persister.MarkMessageDeleted(messageId)
	if err != nil {
		return nil, err
	}
	event := types.NewEvent(types.EventDeletedMessage, msg.Format())
	event.Source = c.user
	p.hub.BroadcastRoom(msg.RoomId, event)
	return msg, nil
}

// MarkRead records the user as reader of every message in the room and
// broadcasts the receipts. Nothing is broadcast when no message was newly
// marked.
func (p *MessagePipeline) MarkRead(c *Client, roomId string) ([]string, error) {
	if roomId == "" {
		return nil, fmt.Errorf("missing room id: %w", types.ErrValidation)
	}
	messageIds, err := p.persister.MarkRoomRead(roomId, c.user.Id)
	if err != nil {
		return nil, err
	}
	if len(messageIds) == 0 {
		return messageIds, nil
	}
	event := types.NewEvent(types.EventReadMessages, types.ReadReceipts{
		RoomId:     roomId,
		ReaderId:   c.user.Id,
		MessageIds: messageIds,
	})
	event.Source = c.user
	p.hub.BroadcastRoom(roomId, event)
	return messageIds, nil
}
