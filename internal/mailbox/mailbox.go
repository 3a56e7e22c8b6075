// Package mailbox defines the capability interface for a remote
// mailbox provider as consumed by the sync core, independent of the
// concrete provider.
package mailbox

import (
	"context"
	"errors"

	"github.com/jmsv23/email-sort/internal/credentials"
	"github.com/jmsv23/email-sort/internal/models"
)

var (
	// ErrCursorExpired means the provider no longer recognizes the
	// stored history cursor. The account needs a re-bootstrap; this is
	// not recoverable by retrying.
	ErrCursorExpired = errors.New("history cursor expired")

	// ErrReauthorizationRequired means the refresh token is invalid or
	// revoked. The account is flagged and skipped until re-linked.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrMessageNotFound means the message was deleted remotely
	// between discovery and fetch. Callers treat this as a skip, not a
	// failure.
	ErrMessageNotFound = errors.New("message not found")
)

// Profile is the result of the first authenticated call after OAuth
// linkage. InitialCursor seeds the account's history cursor.
type Profile struct {
	EmailAddress  string
	InitialCursor string
}

// Changes is the incremental history since a cursor. An empty
// AddedMessageIDs with the same or an advanced cursor is a valid
// result.
type Changes struct {
	AddedMessageIDs []string
	NewCursor       string
}

// MessageContent is a fetched message normalized to the fields the
// processing pipeline needs.
type MessageContent struct {
	ProviderMessageID string
	ThreadID          string
	Subject           string
	From              string
	To                string
	Snippet           string
	BodyText          string
}

// Gateway wraps the remote mailbox API. Implementations own transparent
// credential refresh: an expired access token is exchanged and
// persisted mid-call, and the original call retried once.
type Gateway interface {
	// Bootstrap verifies a fresh token pair with a live profile call.
	// It must succeed before an account row is considered usable.
	Bootstrap(ctx context.Context, creds credentials.Credentials) (Profile, error)

	// ListChangesSince returns message ids added since cursor, plus
	// the cursor to store for the next poll.
	ListChangesSince(ctx context.Context, account models.Account, cursor string) (Changes, error)

	// FetchMessage retrieves full message content.
	FetchMessage(ctx context.Context, account models.Account, messageID string) (MessageContent, error)

	// Archive removes the message from the primary inbox view.
	// Archiving an already-archived message is a no-op success.
	Archive(ctx context.Context, account models.Account, messageID string) error
}
