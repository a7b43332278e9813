package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charli-chat/charli-chat/ai"
	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
	"github.com/google/uuid"
)

// StreamFailureNotice replaces the assistant reply when the provider fails
// mid-stream or refuses the request. It is persisted as the message content
// so reconnecting clients see the same text as the live ones.
const StreamFailureNotice = "Sorry, I could not finish that reply. Please try again."

// Assistant turns a triggering room message into a streamed model reply: an
// empty placeholder message is persisted and broadcast first, then token
// chunks are fanned out against its id, then the accumulated text is
// persisted as the final content. One Respond call handles one reply,
// concurrent replies in different rooms are independent.
type Assistant struct {
	hub       *Hub
	persister persistence.Persister
	provider  ai.Provider
	cfg       config.AssistantConfig
}

func NewAssistant(cfg config.AssistantConfig, hub *Hub, persister persistence.Persister, provider ai.Provider) *Assistant {
	return &Assistant{hub: hub, persister: persister, provider: provider, cfg: cfg}
}

// UserId returns the id of the assistant's user record.
func (a *Assistant) UserId() string {
	if a.cfg.UserId != "" {
		return a.cfg.UserId
	}
	return types.AssistantUserId
}

// Respond generates and streams one assistant reply into the room. trigger
// is the user whose message caused the reply, prompt their message content.
// Provider failures degrade to the failure notice, persistence failures
// abort and propagate.
func (a *Assistant) Respond(ctx context.Context, roomId string, trigger *types.User, prompt string) error {
	history, err := a.persister.GetRoomHistory(roomId, a.cfg.ContextSize)
	if err != nil {
		return fmt.Errorf("could not load room history: %w", err)
	}
	messages := a.buildContext(history, trigger, prompt)

	placeholder := &types.Message{
		Id:     uuid.NewString(),
		UserId: a.UserId(),
		RoomId: roomId,
	}
	if err := a.persister.StoreMessage(placeholder, false); err != nil {
		return fmt.Errorf("could not store placeholder message: %w", err)
	}
	a.hub.BroadcastRoom(roomId, types.NewEvent(types.EventReceiveMessage, placeholder.Format()))

	stream, err := a.provider.Complete(ctx, messages)
	if err != nil {
		globals.AppLogger.Warn("completion request failed", "room", roomId, "error", err)
		return a.fail(roomId, placeholder.Id, trigger)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			globals.AppLogger.Warn("completion stream broke", "room", roomId, "error", err)
			return a.fail(roomId, placeholder.Id, trigger)
		}
		if chunk == "" {
			continue
		}
		reply.WriteString(chunk)
		a.hub.BroadcastRoom(roomId, types.NewEvent(types.EventStreamBotMessage, types.StreamChunk{
			MessageId: placeholder.Id,
			Text:      chunk,
		}))
	}
	return a.finalize(placeholder.Id, trigger, reply.String())
}

// fail streams the failure notice as a terminal chunk and persists it as the
// message content, so the reply stays consistent across live and reloading
// clients.
func (a *Assistant) fail(roomId, messageId string, trigger *types.User) error {
	a.hub.BroadcastRoom(roomId, types.NewEvent(types.EventStreamBotMessage, types.StreamChunk{
		MessageId: messageId,
		Text:      StreamFailureNotice,
	}))
	return a.finalize(messageId, trigger, StreamFailureNotice)
}

// finalize persists the accumulated reply and marks the triggering user as
// its first reader.
func (a *Assistant) finalize(messageId string, trigger *types.User, content string) error {
	if _, err := a.persister.UpdateMessageContent(messageId, content, false); err != nil {
		globals.AppLogger.Error("could not persist assistant reply", "message", messageId, "error", err)
		return err
	}
	if trigger != nil {
		if _, err := a.persister.AddReaders(messageId, []string{trigger.Id}); err != nil {
			return err
		}
	}
	return nil
}

// buildContext assembles the prompt window: the persona system prompt, the
// recent room history with author names folded into the content, and the
// triggering message if the history window missed it. Messages authored by
// the assistant user get the assistant role, everything else is a user turn.
func (a *Assistant) buildContext(history []*types.Message, trigger *types.User, prompt string) []ai.Message {
	triggerName := ""
	if trigger != nil {
		triggerName = trigger.Name
	}
	messages := make([]ai.Message, 0, len(history)+2)
	messages = append(messages, ai.Message{
		Role:    ai.RoleSystem,
		Content: fmt.Sprintf("%s\nThe user talking to you is named %s.", a.cfg.SystemPrompt, triggerName),
	})
	covered := false
	for _, m := range history {
		role := ai.RoleUser
		if m.UserId == a.UserId() {
			role = ai.RoleAssistant
		}
		name := m.UserId
		if m.User != nil && m.User.Name != "" {
			name = m.User.Name
		}
		content := m.Content
		if role == ai.RoleUser {
			content = fmt.Sprintf("[%s]: %s", name, m.Content)
		}
		messages = append(messages, ai.Message{Role: role, Content: content})
		if trigger != nil && m.UserId == trigger.Id && m.Content == prompt {
			covered = true
		}
	}
	if !covered {
		messages = append(messages, ai.Message{
			Role:    ai.RoleUser,
			Content: fmt.Sprintf("[%s]: %s", triggerName, prompt),
		})
	}
	return messages
}
