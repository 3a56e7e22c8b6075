package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one normalized processed email. The unique key is
// (provider, provider_account_id, provider_message_id): re-processing
// the same provider message upserts rather than duplicating.
type Message struct {
	ID                uuid.UUID  `db:"id"`
	Provider          string     `db:"provider"`
	ProviderAccountID string     `db:"provider_account_id"`
	ProviderMessageID string     `db:"provider_message_id"`
	ThreadID          *string    `db:"thread_id"`
	CategoryID        *uuid.UUID `db:"category_id"`
	Subject           string     `db:"subject"`
	FromAddress       string     `db:"from_address"`
	ToAddress         string     `db:"to_address"`
	Snippet           *string    `db:"snippet"`
	BodyText          string     `db:"body_text"`
	AISummary         *string    `db:"ai_summary"`
	// Classification outcome. Confidence is 0 and CategoryID nil when
	// classification degraded.
	ClassificationConfidence float64 `db:"classification_confidence"`
	ClassificationReason     string  `db:"classification_reason"`
	Archived     bool      `db:"archived"`
	Unsubscribed bool      `db:"unsubscribed"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
