package models

import "github.com/google/uuid"

// Job type names as persisted in the jobs table. Each type gets its
// own worker pool so a stall in one pipeline cannot starve another.
const (
	JobTypeProcessNewMessage = "processNewMessage"
	JobTypeUnsubscribe       = "unsubscribe"
)

// ProcessNewMessageJob is enqueued by the poller, one per message id
// discovered through the provider's history listing. Duplicate jobs for
// the same message are possible and safe: the processor upserts by the
// message key.
type ProcessNewMessageJob struct {
	Provider          string `json:"provider"`
	ProviderAccountID string `json:"providerAccountId"`
	ProviderMessageID string `json:"providerMessageId"`
}

// UnsubscribeJob asks the unsubscribe pipeline to act on a stored
// message. The pipeline itself is not built yet; the queue still
// accepts and routes the type.
type UnsubscribeJob struct {
	MessageID uuid.UUID `json:"messageId"`
	UserID    uuid.UUID `json:"userId"`
}
