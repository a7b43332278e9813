// Package ai abstracts the streaming completion provider behind the
// assistant participant. The coordinator in package ws is provider-agnostic,
// which endpoint answers is configuration.
package ai

import (
	"context"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation context sent to the provider.
type Message struct {
	Role    Role
	Name    string
	Content string
}

// Stream yields completion text incrementally. Recv returns the next chunk,
// io.EOF on normal end-of-stream, any other error on provider failure.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider opens a streaming completion request for the given context.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (Stream, error)
}
