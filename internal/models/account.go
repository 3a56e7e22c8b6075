package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is one OAuth-linked external mailbox, keyed by
// (provider, provider_account_id) and owned by exactly one user.
// Token columns hold ciphertext; they are decrypted only transiently
// by the credential store.
type Account struct {
	Provider          string     `db:"provider"`
	ProviderAccountID string     `db:"provider_account_id"`
	UserID            uuid.UUID  `db:"user_id"`
	EmailAddress      *string    `db:"email_address"`
	AccessToken       *string    `db:"access_token"`
	RefreshToken      *string    `db:"refresh_token"`
	HistoryID         *string    `db:"history_id"`
	LastPolledAt      *time.Time `db:"last_polled_at"`
	NeedsReauth       bool       `db:"needs_reauth"`
	CreatedAt         time.Time  `db:"created_at"`
}

// Key returns the "provider:providerAccountId" form used in logs and
// sync reports.
func (a Account) Key() string {
	return fmt.Sprintf("%s:%s", a.Provider, a.ProviderAccountID)
}

// Eligible reports whether the account can be polled: it needs a
// bootstrapped history cursor and a refresh token that has not been
// revoked.
func (a Account) Eligible() bool {
	return a.HistoryID != nil && *a.HistoryID != "" && !a.NeedsReauth
}

// User owns accounts and categories. The sign-in flow that creates
// users lives outside this service; setup can seed one for development.
type User struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// Category is a user-defined classification target.
type Category struct {
	ID          uuid.UUID `db:"id"`
	UserID      uuid.UUID `db:"user_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}
