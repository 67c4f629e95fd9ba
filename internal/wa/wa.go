package wa

import (
	"context"
	"errors"
	"strings"
)

// State of the underlying connection as reported by the transport.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateConnecting   State = "CONNECTING"
	StateDisconnected State = "DISCONNECTED"
)

// ErrResourceBusy is returned by Destroy when the session material on disk is
// still locked by the transport. Callers retry with backoff.
var ErrResourceBusy = errors.New("session resource busy")

// ErrNotRegistered marks a recipient that does not exist on the network.
var ErrNotRegistered = errors.New("number not registered on whatsapp")

// Media is an attachment fetched and decoded before sending.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
}

// IsDocument reports whether the attachment goes out as a document. The
// transport is flaky for these, so sends get a settling delay and retries.
func (m Media) IsDocument() bool {
	return strings.HasPrefix(m.MimeType, "application/")
}

type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
	EventAuthFailure  EventKind = "auth_failure"
)

// Event is a lifecycle notification from the transport.
type Event struct {
	Kind   EventKind
	QR     string // set for EventQR
	Reason string // set for EventDisconnected
}

// Handle is one live connection to the messaging network. At most one handle
// exists per user; the session manager owns it.
type Handle interface {
	// Initialize starts the connection. Lifecycle progress (QR codes, ready,
	// disconnects) arrives on Events; Initialize itself only fails on setup
	// errors.
	Initialize(ctx context.Context) error
	Events() <-chan Event
	IsRegisteredUser(ctx context.Context, number string) (bool, error)
	Send(ctx context.Context, number, content string, media *Media) error
	State(ctx context.Context) (State, error)
	// Destroy tears the connection down but keeps auth material on disk.
	Destroy(ctx context.Context) error
	// Logout invalidates the remote pairing before teardown.
	Logout(ctx context.Context) error
}

// Dialer creates handles bound to a user's session directory.
type Dialer interface {
	Dial(userID, sessionDir string) (Handle, error)
}
