// Package session defines the capability boundary to the messaging
// transport. The core only sees an opaque handle with send, an
// authentication-state observable, and pairing/credential events; any
// concrete protocol implementation plugs in behind Dialer.
package session

import "context"

// Media is an already-fetched attachment ready to send.
type Media struct {
	Data      []byte
	MimeType  string
	Thumbnail []byte
}

// Message is the outbound content for one contact.
type Message struct {
	Text  string
	Media *Media
}

// Handle is a worker-local, exclusively owned live session. It is never
// shared across processes; ownership moves by one worker closing its
// handle and another dialing a fresh one.
type Handle interface {
	// Send delivers one message to a phone-number target.
	Send(ctx context.Context, target string, msg Message) error
	// Authenticated reports whether the session currently holds valid auth.
	Authenticated() bool
	// Close tears the session down. Safe to call more than once.
	Close(ctx context.Context) error
}

// Events receives transport callbacks for one device. Nil fields are
// skipped.
type Events struct {
	// PairingCode fires when a fresh handshake issues a scannable code.
	PairingCode func(code string)
	// CredentialsUpdated fires when the transport rotates or first
	// issues session credentials worth persisting.
	CredentialsUpdated func(creds []byte)
	// Closed fires when the transport drops the session.
	Closed func(err error)
}

// Dialer creates handles. Restore resumes from persisted credentials;
// Pair starts a fresh handshake whose code arrives via Events.
type Dialer interface {
	Restore(ctx context.Context, deviceID string, creds []byte, ev Events) (Handle, error)
	Pair(ctx context.Context, deviceID string, ev Events) (Handle, error)
}
