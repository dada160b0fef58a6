// Package transport holds the outbound messaging contract shared by the
// notifier and its channel implementations. tickerd is a headless daemon, so
// the contract is send-only: there is no inbound update stream.
package transport

import "context"

// ChatTarget addresses one chat, optionally a forum topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message that was sent.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound alert.
type Notification struct {
	Channel  string // "telegram"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
