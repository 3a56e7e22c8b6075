package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jmsv23/email-sort/internal/models"
)

// ErrMessageNotFound is returned for lookups of unknown message keys.
var ErrMessageNotFound = errors.New("message not found")

// UpsertMessage writes the processed record keyed by (provider,
// provider_account_id, provider_message_id). Re-processing the same
// provider message overwrites stale classification and summary with
// the latest attempt's values instead of duplicating the row.
func (s *Store) UpsertMessage(ctx context.Context, m *models.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	query := `
		INSERT INTO messages (id, provider, provider_account_id, provider_message_id,
			thread_id, category_id, subject, from_address, to_address, snippet, body_text,
			ai_summary, classification_confidence, classification_reason,
			archived, unsubscribed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		ON CONFLICT (provider, provider_account_id, provider_message_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			category_id = EXCLUDED.category_id,
			subject = EXCLUDED.subject,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			snippet = EXCLUDED.snippet,
			body_text = EXCLUDED.body_text,
			ai_summary = EXCLUDED.ai_summary,
			classification_confidence = EXCLUDED.classification_confidence,
			classification_reason = EXCLUDED.classification_reason,
			archived = EXCLUDED.archived,
			updated_at = now()
	`

	_, err := s.pool.Exec(ctx, query,
		m.ID,
		m.Provider,
		m.ProviderAccountID,
		m.ProviderMessageID,
		m.ThreadID,
		m.CategoryID,
		m.Subject,
		m.FromAddress,
		m.ToAddress,
		m.Snippet,
		m.BodyText,
		m.AISummary,
		m.ClassificationConfidence,
		m.ClassificationReason,
		m.Archived,
		m.Unsubscribed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ProviderMessageID, err)
	}

	return nil
}

// MarkArchived records that the remote archive mutation succeeded. The
// flag trails the mutation, so the row never claims a mailbox state
// that does not exist yet.
func (s *Store) MarkArchived(ctx context.Context, provider, providerAccountID, providerMessageID string) error {
	query := `
		UPDATE messages
		SET archived = TRUE, updated_at = now()
		WHERE provider = $1 AND provider_account_id = $2 AND provider_message_id = $3
	`

	if _, err := s.pool.Exec(ctx, query, provider, providerAccountID, providerMessageID); err != nil {
		return fmt.Errorf("failed to mark message %s archived: %w", providerMessageID, err)
	}

	return nil
}

func (s *Store) GetMessage(ctx context.Context, provider, providerAccountID, providerMessageID string) (models.Message, error) {
	query := `
		SELECT id, provider, provider_account_id, provider_message_id,
		       thread_id, category_id, subject, from_address, to_address, snippet, body_text,
		       ai_summary, classification_confidence, classification_reason,
		       archived, unsubscribed, created_at, updated_at
		FROM messages
		WHERE provider = $1 AND provider_account_id = $2 AND provider_message_id = $3
	`

	var m models.Message
	err := s.pool.QueryRow(ctx, query, provider, providerAccountID, providerMessageID).Scan(
		&m.ID,
		&m.Provider,
		&m.ProviderAccountID,
		&m.ProviderMessageID,
		&m.ThreadID,
		&m.CategoryID,
		&m.Subject,
		&m.FromAddress,
		&m.ToAddress,
		&m.Snippet,
		&m.BodyText,
		&m.AISummary,
		&m.ClassificationConfidence,
		&m.ClassificationReason,
		&m.Archived,
		&m.Unsubscribed,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, providerMessageID)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message: %w", err)
	}

	return m, nil
}

// ListCategories returns the user's classification targets. An empty
// set is valid: classification then degrades to no category.
func (s *Store) ListCategories(ctx context.Context, userID uuid.UUID) ([]models.Category, error) {
	query := `
		SELECT id, user_id, name, description, created_at
		FROM categories
		WHERE user_id = $1
		ORDER BY name
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}

	return categories, rows.Err()
}
