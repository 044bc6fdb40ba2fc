package telegram

import (
	"context"

	"github.com/telefleet/telefleet/internal/models"
)

// ChatRef is a resolved channel or supergroup, addressable from the session
// that resolved it.
type ChatRef struct {
	ID         int64
	AccessHash int64
	Title      string
}

// Client is one live, authorized worker session. A Client is not safe for
// concurrent remote calls; the session registry serializes access per account.
type Client interface {
	// SelfID returns the user ID the session is authorized as.
	SelfID() int64

	// ResolveChat resolves a public @username or t.me invite link to a chat
	// the session can address. Returns ErrNotJoined for an invite link the
	// session has not accepted yet.
	ResolveChat(ctx context.Context, chat string) (ChatRef, error)

	// JoinChat joins the given chat (accepting the invite for private links)
	// and returns its reference. Joining a chat the session is already a
	// member of is not an error.
	JoinChat(ctx context.Context, chat string) (ChatRef, error)

	// Participants fetches one page of the chat's recent member list.
	Participants(ctx context.Context, chat ChatRef, offset, limit int) ([]models.Candidate, error)

	// Invite adds the candidate to the chat. Failures are returned as *Error
	// values carrying the platform's error taxonomy.
	Invite(ctx context.Context, chat ChatRef, candidate models.Candidate) error

	Close() error
}

// Dialer opens Clients from stored session credentials.
type Dialer interface {
	// Dial connects using the serialized session and verifies it is still
	// authorized. An invalid or revoked session yields ErrUnauthorized.
	Dial(ctx context.Context, sessionString string) (Client, error)
}
