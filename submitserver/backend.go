package submitserver

import (
	"context"
	"errors"

	"github.com/veldmail/veld/smtp"
)

// Errors returned by Backend implementations. The server maps them to wire
// responses; other errors become a generic local error without detail on the
// wire.
var (
	// Verify: the credentials don't match an account. The wire response never
	// distinguishes why.
	ErrBadCredentials = errors.New("bad credentials")

	// Verify: credentials are valid but too weak (e.g. a password scheduled
	// for migration). Logged distinctly, answered on the wire exactly like
	// ErrBadCredentials.
	ErrCredentialsWeak = errors.New("credentials need upgrade")

	// Owns: the address is not owned by the authenticated principal.
	ErrNotOwner = errors.New("address not owned by account")

	// Send failures.
	ErrSendRateLimited   = errors.New("sending rate limited for account") // 450, retry later.
	ErrTooManyRecipients = errors.New("too many recipients")              // 452.
	ErrMessageTooLarge   = errors.New("message too large")                // 552.
	ErrSendRejected      = errors.New("message rejected")                 // 550, permanent.
)

// Message is a fully collected submission, handed to Backend.Send.
type Message struct {
	From smtp.Address
	To   []smtp.Address // In RCPT TO order, may contain duplicates.
	Data []byte         // Raw message, dot-stuffing undone, CRLF line endings as received.
}

// Backend verifies credentials, checks address ownership and accepts
// messages for delivery. Implementations must be safe for concurrent use;
// one server instance shares a Backend across all connections.
type Backend interface {
	// Verify checks username/password and returns the principal (account
	// identifier) on success.
	Verify(ctx context.Context, username, password string) (principal string, err error)

	// Owns reports whether principal may send with addr as sender.
	// Returns nil, ErrNotOwner, or another error for server problems.
	Owns(ctx context.Context, addr smtp.Address, principal string) error

	// Send queues a collected message. The server has already applied its
	// own rate limits; Send may apply stricter account-level policy.
	Send(ctx context.Context, principal string, msg Message) error
}
