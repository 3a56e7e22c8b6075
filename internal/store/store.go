// Package store owns durable reads and writes for accounts, messages,
// categories and users. All mutations are single-row upserts or
// updates by key; no transaction spans a remote call.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmsv23/email-sort/internal/encryption"
	"github.com/jmsv23/email-sort/internal/models"
)

// ErrAccountNotFound is returned for lookups of unknown account keys.
var ErrAccountNotFound = errors.New("account not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `provider, provider_account_id, user_id, email_address,
	access_token, refresh_token, history_id, last_polled_at, needs_reauth, created_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.Provider,
		&a.ProviderAccountID,
		&a.UserID,
		&a.EmailAddress,
		&a.AccessToken,
		&a.RefreshToken,
		&a.HistoryID,
		&a.LastPolledAt,
		&a.NeedsReauth,
		&a.CreatedAt,
	)
	return a, err
}

// ListEligible returns every account that can be polled: bootstrapped
// cursor present and not flagged for reauthorization. Zero rows is a
// valid state, not an error.
func (s *Store) ListEligible(ctx context.Context) ([]models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE history_id IS NOT NULL AND needs_reauth = FALSE
	`
	return s.queryAccounts(ctx, query)
}

// ListEligibleForUser restricts eligibility to one user's accounts,
// for the manual sync surface.
func (s *Store) ListEligibleForUser(ctx context.Context, userID uuid.UUID) ([]models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE user_id = $1 AND history_id IS NOT NULL AND needs_reauth = FALSE
	`
	return s.queryAccounts(ctx, query, userID)
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, provider, providerAccountID string) (models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE provider = $1 AND provider_account_id = $2
	`

	a, err := scanAccount(s.pool.QueryRow(ctx, query, provider, providerAccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("%w: %s:%s", ErrAccountNotFound, provider, providerAccountID)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account: %w", err)
	}

	return a, nil
}

// AdvanceCursor persists the cursor returned by a successful history
// listing, along with the poll timestamp. Callers only pass cursors
// the provider just issued, so the value never regresses.
func (s *Store) AdvanceCursor(ctx context.Context, provider, providerAccountID, newCursor string) error {
	query := `
		UPDATE accounts
		SET history_id = $3, last_polled_at = $4
		WHERE provider = $1 AND provider_account_id = $2
	`

	if _, err := s.pool.Exec(ctx, query, provider, providerAccountID, newCursor, time.Now()); err != nil {
		return fmt.Errorf("failed to advance cursor for %s:%s: %w", provider, providerAccountID, err)
	}

	return nil
}

// FlagReauth marks an account whose refresh token was revoked. The row
// stays; polling skips it until the owner re-links.
func (s *Store) FlagReauth(ctx context.Context, provider, providerAccountID string) error {
	query := `
		UPDATE accounts
		SET needs_reauth = TRUE
		WHERE provider = $1 AND provider_account_id = $2
	`

	if _, err := s.pool.Exec(ctx, query, provider, providerAccountID); err != nil {
		return fmt.Errorf("failed to flag account %s:%s: %w", provider, providerAccountID, err)
	}

	return nil
}

// LinkAccountParams carries the result of a verified OAuth linkage:
// the live bootstrap call has already succeeded and produced the
// profile address and initial cursor.
type LinkAccountParams struct {
	Provider          string
	ProviderAccountID string
	UserID            uuid.UUID
	EmailAddress      string
	AccessToken       string
	RefreshToken      string
	InitialCursor     string
}

// LinkAccount encrypts the verified token pair and creates (or
// re-links) the account row with its bootstrap cursor. Re-linking an
// existing account clears the reauth flag.
func (s *Store) LinkAccount(ctx context.Context, p LinkAccountParams) error {
	encAccess, err := encryption.Encrypt(p.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var encRefresh *string
	if p.RefreshToken != "" {
		encrypted, err := encryption.Encrypt(p.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encRefresh = &encrypted
	}

	query := `
		INSERT INTO accounts (provider, provider_account_id, user_id, email_address,
		                      access_token, refresh_token, history_id, needs_reauth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, now())
		ON CONFLICT (provider, provider_account_id) DO UPDATE SET
			email_address = EXCLUDED.email_address,
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, accounts.refresh_token),
			history_id = EXCLUDED.history_id,
			needs_reauth = FALSE
	`

	if _, err := s.pool.Exec(ctx, query, p.Provider, p.ProviderAccountID, p.UserID,
		p.EmailAddress, encAccess, encRefresh, p.InitialCursor); err != nil {
		return fmt.Errorf("failed to link account %s:%s: %w", p.Provider, p.ProviderAccountID, err)
	}

	return nil
}

// DeleteAccount removes an account on explicit disconnect; its
// messages go with it via the FK cascade. The "at least one account
// per user" rule is enforced by the web layer, not here.
func (s *Store) DeleteAccount(ctx context.Context, provider, providerAccountID string) error {
	query := `DELETE FROM accounts WHERE provider = $1 AND provider_account_id = $2`

	if _, err := s.pool.Exec(ctx, query, provider, providerAccountID); err != nil {
		return fmt.Errorf("failed to delete account %s:%s: %w", provider, providerAccountID, err)
	}

	return nil
}
