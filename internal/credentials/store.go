// Package credentials manages OAuth token pairs at rest. Tokens are
// stored as ciphertext on the account row and decrypted only on read;
// rotation re-encrypts before persisting.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmsv23/email-sort/internal/encryption"
)

// ErrCredentialNotFound is returned when no account row exists for the
// requested (provider, providerAccountID) pair.
var ErrCredentialNotFound = errors.New("credentials not found")

// Credentials is a decrypted token pair, held only transiently in
// memory.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get reads and decrypts the token pair for an account. A row with
// corrupted ciphertext surfaces encryption.ErrDecryptionFailed; the
// caller must never treat such a value as a usable token.
func (s *Store) Get(ctx context.Context, provider, providerAccountID string) (Credentials, error) {
	query := `
		SELECT access_token, refresh_token
		FROM accounts
		WHERE provider = $1 AND provider_account_id = $2
	`

	var encAccess, encRefresh *string
	err := s.pool.QueryRow(ctx, query, provider, providerAccountID).Scan(&encAccess, &encRefresh)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credentials{}, fmt.Errorf("%w: %s:%s", ErrCredentialNotFound, provider, providerAccountID)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to query credentials: %w", err)
	}
	if encAccess == nil || *encAccess == "" {
		return Credentials{}, fmt.Errorf("%w: %s:%s has no access token", ErrCredentialNotFound, provider, providerAccountID)
	}

	var creds Credentials
	creds.AccessToken, err = encryption.Decrypt(*encAccess)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if encRefresh != nil && *encRefresh != "" {
		creds.RefreshToken, err = encryption.Decrypt(*encRefresh)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	return creds, nil
}

// Rotate encrypts and persists a new access token, and optionally a new
// refresh token. When newRefreshToken is nil the stored refresh token
// is preserved: the provider does not always return one on refresh and
// a valid refresh token must never be silently erased.
func (s *Store) Rotate(ctx context.Context, provider, providerAccountID, newAccessToken string, newRefreshToken *string) error {
	encAccess, err := encryption.Encrypt(newAccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var encRefresh *string
	if newRefreshToken != nil && *newRefreshToken != "" {
		encrypted, err := encryption.Encrypt(*newRefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encRefresh = &encrypted
	}

	query := `
		UPDATE accounts
		SET access_token = $3,
		    refresh_token = COALESCE($4, refresh_token)
		WHERE provider = $1 AND provider_account_id = $2
	`

	tag, err := s.pool.Exec(ctx, query, provider, providerAccountID, encAccess, encRefresh)
	if err != nil {
		return fmt.Errorf("failed to rotate credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s:%s", ErrCredentialNotFound, provider, providerAccountID)
	}

	return nil
}
