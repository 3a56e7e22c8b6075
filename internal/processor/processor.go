// Package processor holds the job handlers behind the queue: the
// message pipeline (fetch, classify, summarize, persist, archive) and
// the unsubscribe route.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/jmsv23/email-sort/internal/ai"
	"github.com/jmsv23/email-sort/internal/mailbox"
	"github.com/jmsv23/email-sort/internal/models"
	"github.com/jmsv23/email-sort/internal/queue"
	"github.com/jmsv23/email-sort/internal/store"
)

// MessageStore is the slice of the persistent store the pipeline needs.
type MessageStore interface {
	GetAccount(ctx context.Context, provider, providerAccountID string) (models.Account, error)
	ListCategories(ctx context.Context, userID uuid.UUID) ([]models.Category, error)
	UpsertMessage(ctx context.Context, m *models.Message) error
	MarkArchived(ctx context.Context, provider, providerAccountID, providerMessageID string) error
	GetMessage(ctx context.Context, provider, providerAccountID, providerMessageID string) (models.Message, error)
}

type Processor struct {
	store   MessageStore
	gateway mailbox.Gateway
	ai      ai.Client
}

func New(s MessageStore, gateway mailbox.Gateway, aiClient ai.Client) *Processor {
	return &Processor{store: s, gateway: gateway, ai: aiClient}
}

// HandleProcessNewMessage runs the full pipeline for one discovered
// message. The remote archive happens only after the row is durable, so
// a crash between the two redelivers the job and the upsert absorbs the
// duplicate.
func (p *Processor) HandleProcessNewMessage(ctx context.Context, job *queue.Job) error {
	var payload models.ProcessNewMessageJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode processNewMessage payload: %w", err)
	}

	account, err := p.store.GetAccount(ctx, payload.Provider, payload.ProviderAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			// Account disconnected between enqueue and processing.
			log.Printf("Account %s:%s gone, dropping message %s",
				payload.Provider, payload.ProviderAccountID, payload.ProviderMessageID)
			return nil
		}
		return fmt.Errorf("failed to load account: %w", err)
	}

	content, err := p.gateway.FetchMessage(ctx, account, payload.ProviderMessageID)
	if err != nil {
		if errors.Is(err, mailbox.ErrMessageNotFound) {
			// Deleted upstream before we got to it. Not our problem.
			log.Printf("Message %s no longer exists for %s, skipping",
				payload.ProviderMessageID, account.Key())
			return nil
		}
		return fmt.Errorf("failed to fetch message %s: %w", payload.ProviderMessageID, err)
	}

	categories, err := p.store.ListCategories(ctx, account.UserID)
	if err != nil {
		return fmt.Errorf("failed to list categories: %w", err)
	}

	classification := p.classify(ctx, content, categories)

	summary, err := p.ai.Summarize(ctx, ai.SummarizeInput{
		Subject:  content.Subject,
		From:     content.From,
		BodyText: content.BodyText,
	})
	if err != nil {
		return fmt.Errorf("failed to summarize message %s: %w", payload.ProviderMessageID, err)
	}

	msg := models.Message{
		Provider:                 payload.Provider,
		ProviderAccountID:        payload.ProviderAccountID,
		ProviderMessageID:        payload.ProviderMessageID,
		ThreadID:                 optional(content.ThreadID),
		CategoryID:               categoryUUID(classification.CategoryID),
		Subject:                  content.Subject,
		FromAddress:              content.From,
		ToAddress:                content.To,
		Snippet:                  optional(content.Snippet),
		BodyText:                 content.BodyText,
		AISummary:                &summary,
		ClassificationConfidence: classification.Confidence,
		ClassificationReason:     classification.Reason,
	}
	if err := p.store.UpsertMessage(ctx, &msg); err != nil {
		return fmt.Errorf("failed to store message %s: %w", payload.ProviderMessageID, err)
	}

	// The archived flag trails the remote mutation: the row is written
	// unarchived, and flipped only once the Modify call succeeded.
	if err := p.gateway.Archive(ctx, account, payload.ProviderMessageID); err != nil {
		return fmt.Errorf("failed to archive message %s: %w", payload.ProviderMessageID, err)
	}
	if err := p.store.MarkArchived(ctx, payload.Provider, payload.ProviderAccountID, payload.ProviderMessageID); err != nil {
		return fmt.Errorf("failed to record archive of message %s: %w", payload.ProviderMessageID, err)
	}
	return nil
}

// classify never fails the job. Transport errors come back alongside a
// degraded result; we log and keep the degraded result.
func (p *Processor) classify(ctx context.Context, content mailbox.MessageContent, categories []models.Category) ai.Classification {
	opts := make([]ai.CategoryOption, 0, len(categories))
	for _, c := range categories {
		opts = append(opts, ai.CategoryOption{
			ID:          c.ID.String(),
			Name:        c.Name,
			Description: c.Description,
		})
	}

	classification, err := p.ai.Classify(ctx, ai.ClassifyInput{
		Subject:    content.Subject,
		From:       content.From,
		BodyText:   content.BodyText,
		Categories: opts,
	})
	if err != nil {
		log.Printf("Classification errored for %s, storing degraded result: %v",
			content.ProviderMessageID, err)
	}
	return classification
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func categoryUUID(id string) *uuid.UUID {
	if id == "" {
		return nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	return &parsed
}

// HandleUnsubscribe accepts and acknowledges unsubscribe jobs. The
// actual link-following worker does not exist yet.
// TODO: parse List-Unsubscribe headers and follow the one-click flow.
func (p *Processor) HandleUnsubscribe(ctx context.Context, job *queue.Job) error {
	var payload models.UnsubscribeJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode unsubscribe payload: %w", err)
	}
	log.Printf("Unsubscribe requested for message %s (user %s), no worker implemented yet",
		payload.MessageID, payload.UserID)
	return nil
}
