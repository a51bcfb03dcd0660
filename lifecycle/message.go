package lifecycle

import (
	"context"
	"net/http"
)

// MessageSkipWaiting asks a waiting instance to activate without waiting
// for the pages of the current version to close.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is the page to worker control message.
type Message struct {
	Type string `json:"type"`
}

// Global is the platform surface available to a running worker instance.
type Global interface {
	// SkipWaiting lets the instance activate as soon as it is installed,
	// even while pages are controlled by another version.
	SkipWaiting()
	// Claim makes the instance the controller of every open page.
	// It has no effect unless the instance is the active one.
	Claim(ctx context.Context) error
}

// Script is the code of one worker version. The platform calls its event
// handlers; each call is awaited before the instance moves on.
type Script interface {
	// Install prepares the version. An error makes the instance redundant.
	Install(ctx context.Context, g Global) error
	// Activate runs once the instance becomes the active one.
	Activate(ctx context.Context, g Global) error
	// HandleMessage receives messages posted to the instance.
	HandleMessage(ctx context.Context, g Global, msg Message)
	// ServeHTTP handles fetch events while the instance is active.
	http.Handler
	// Close waits for work started by earlier events to settle.
	// The platform calls it before discarding a redundant instance.
	Close(ctx context.Context) error
}
