package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/charli-chat/charli-chat/ai"
	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays canned chunks, optionally failing before or during
// the stream.
type fakeProvider struct {
	chunks      []string
	completeErr error
	streamErr   error
	gotMessages []ai.Message
}

func (f *fakeProvider) Complete(_ context.Context, messages []ai.Message) (ai.Stream, error) {
	f.gotMessages = messages
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &fakeStream{chunks: f.chunks, err: f.streamErr}, nil
}

type fakeStream struct {
	chunks []string
	err    error
	pos    int
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

func assistantFixture(t *testing.T, provider ai.Provider) (*Assistant, *Hub, *Client, *types.User) {
	t.Helper()
	p := newTestPersister(t)
	hub := NewHub()
	assistant := NewAssistant(config.AssistantConfig{
		UserId:       "chat-bot",
		ContextSize:  7,
		SystemPrompt: "You are a helpful assistant.",
	}, hub, p, provider)

	alice := seedUser(t, p, "alice", "Alice")
	seedUser(t, p, "chat-bot", "Char-Li")
	seedRoom(t, p, "general", "General")
	aliceConn := testClient(hub, alice)
	hub.Subscribe(aliceConn, "general")
	return assistant, hub, aliceConn, alice
}

func TestRespondStreamsAndFinalizes(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"Hel", "lo!"}}
	assistant, _, aliceConn, alice := assistantFixture(t, provider)

	require.NoError(t, assistant.Respond(context.Background(), "general", alice, "hi there"))

	msgs := received(t, aliceConn)
	require.Equal(t, []string{
		types.EventReceiveMessage,
		types.EventStreamBotMessage,
		types.EventStreamBotMessage,
	}, eventNames(msgs), "placeholder first, then the chunks")

	var placeholder types.FormattedMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &placeholder))
	assert.Empty(t, placeholder.Content, "the placeholder is broadcast before any content exists")

	var first, second types.StreamChunk
	require.NoError(t, json.Unmarshal(msgs[1].Data, &first))
	require.NoError(t, json.Unmarshal(msgs[2].Data, &second))
	assert.Equal(t, placeholder.Id, first.MessageId)
	assert.Equal(t, placeholder.Id, second.MessageId)
	assert.Equal(t, "Hel", first.Text)
	assert.Equal(t, "lo!", second.Text)

	stored := &types.Message{Id: placeholder.Id}
	require.NoError(t, assistant.persister.GetMessage(stored))
	assert.Equal(t, "Hello!", stored.Content)
	assert.Equal(t, "chat-bot", stored.UserId)
	require.Len(t, stored.Readers, 1, "the triggering user has read the reply")
	assert.Equal(t, "alice", stored.Readers[0].Id)
}

func TestRespondBuildsContextWindow(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"ok"}}
	assistant, hub, aliceConn, alice := assistantFixture(t, provider)

	pipeline := NewMessagePipeline(hub, assistant.persister, nil)
	_, err := pipeline.Ingest(aliceConn, "general", "first message", "")
	require.NoError(t, err)
	received(t, aliceConn)

	require.NoError(t, assistant.Respond(context.Background(), "general", alice, "second message"))

	require.NotEmpty(t, provider.gotMessages)
	assert.Equal(t, ai.RoleSystem, provider.gotMessages[0].Role)
	assert.Contains(t, provider.gotMessages[0].Content, "Alice")

	var userTurns []string
	for _, m := range provider.gotMessages[1:] {
		require.Equal(t, ai.RoleUser, m.Role)
		userTurns = append(userTurns, m.Content)
	}
	assert.Contains(t, userTurns, "[Alice]: first message")
	assert.Contains(t, userTurns, "[Alice]: second message")
}

func TestRespondAssistantRoleInHistory(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"again"}}
	assistant, _, aliceConn, alice := assistantFixture(t, provider)

	// a finished earlier reply sits in the history
	require.NoError(t, assistant.Respond(context.Background(), "general", alice, "hi"))
	received(t, aliceConn)
	require.NoError(t, assistant.Respond(context.Background(), "general", alice, "and again"))

	var assistantTurns []string
	for _, m := range provider.gotMessages {
		if m.Role == ai.RoleAssistant {
			assistantTurns = append(assistantTurns, m.Content)
		}
	}
	assert.Equal(t, []string{"again"}, assistantTurns, "own messages come back with the assistant role, unlabeled")
}

func TestRespondProviderRefusal(t *testing.T) {
	provider := &fakeProvider{completeErr: fmt.Errorf("model overloaded")}
	assistant, _, aliceConn, alice := assistantFixture(t, provider)

	require.NoError(t, assistant.Respond(context.Background(), "general", alice, "hi"))

	msgs := received(t, aliceConn)
	require.Equal(t, []string{types.EventReceiveMessage, types.EventStreamBotMessage}, eventNames(msgs))
	var chunk types.StreamChunk
	require.NoError(t, json.Unmarshal(msgs[1].Data, &chunk))
	assert.Equal(t, StreamFailureNotice, chunk.Text)

	stored := &types.Message{Id: chunk.MessageId}
	require.NoError(t, assistant.persister.GetMessage(stored))
	assert.Equal(t, StreamFailureNotice, stored.Content, "the notice is persisted, reloads match the live view")
}

func TestRespondMidStreamFailure(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"par"}, streamErr: fmt.Errorf("connection reset")}
	assistant, _, aliceConn, alice := assistantFixture(t, provider)

	require.NoError(t, assistant.Respond(context.Background(), "general", alice, "hi"))

	msgs := received(t, aliceConn)
	require.Equal(t, []string{
		types.EventReceiveMessage,
		types.EventStreamBotMessage,
		types.EventStreamBotMessage,
	}, eventNames(msgs))
	var last types.StreamChunk
	require.NoError(t, json.Unmarshal(msgs[2].Data, &last))
	assert.Equal(t, StreamFailureNotice, last.Text, "the terminal chunk carries the notice")

	stored := &types.Message{Id: last.MessageId}
	require.NoError(t, assistant.persister.GetMessage(stored))
	assert.Equal(t, StreamFailureNotice, stored.Content,
		"partial output is discarded in favor of the notice")
}

func TestAssistantTriggerRequiresActiveMembership(t *testing.T) {
	p := newTestPersister(t)
	hub := NewHub()
	provider := &fakeProvider{chunks: []string{"hi"}}
	assistant := NewAssistant(config.AssistantConfig{UserId: "chat-bot", ContextSize: 7}, hub, p, provider)
	pipeline := NewMessagePipeline(hub, p, assistant)

	alice := seedUser(t, p, "alice", "Alice")
	seedUser(t, p, "chat-bot", "Char-Li")
	seedRoom(t, p, "general", "General")
	aliceConn := testClient(hub, alice)
	hub.Subscribe(aliceConn, "general")

	// no membership row at all: no trigger
	pipeline.maybeTriggerAssistant("general", alice, "hi")
	assert.Nil(t, provider.gotMessages)

	// the assistant left the room: still no trigger
	_, _, err := p.UpsertMemberships("general", []string{"chat-bot"})
	require.NoError(t, err)
	require.NoError(t, p.MarkMembersLeft("general", []string{"chat-bot"}))
	pipeline.maybeTriggerAssistant("general", alice, "hi")
	assert.Nil(t, provider.gotMessages)
}
