// internal/notify/notify.go

// Package notify defines the outbound messaging contract. The core never
// talks to the transport directly; it hands formatted content to a Dispatcher.
package notify

import "context"

// Button is one inline choice attached to a message. Either Data (callback
// payload) or URL is set, not both.
type Button struct {
	Label string
	Data  string
	URL   string
}

// Message is opaque formatted text plus optional choice buttons.
type Message struct {
	Text           string
	Buttons        [][]Button
	RemoveKeyboard bool
}

// Dispatcher emits content to a user over the external transport. It owns no
// business logic.
type Dispatcher interface {
	Send(ctx context.Context, userID int64, msg Message) error
	// NotifyOperator reports a technical failure to the operator channel.
	NotifyOperator(ctx context.Context, text string) error
}
