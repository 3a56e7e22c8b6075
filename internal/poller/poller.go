// Package poller runs the discovery loop: for every eligible account,
// list history changes since the stored cursor, enqueue one processing
// job per newly-added message, and advance the cursor. Accounts fail
// independently; one broken account never aborts a cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmsv23/email-sort/internal/mailbox"
	"github.com/jmsv23/email-sort/internal/models"
	"github.com/jmsv23/email-sort/internal/queue"
)

// AccountSource is the slice of the store the poller needs.
// *store.Store satisfies it.
type AccountSource interface {
	ListEligible(ctx context.Context) ([]models.Account, error)
	ListEligibleForUser(ctx context.Context, userID uuid.UUID) ([]models.Account, error)
	AdvanceCursor(ctx context.Context, provider, providerAccountID, newCursor string) error
	FlagReauth(ctx context.Context, provider, providerAccountID string) error
}

type Poller struct {
	accounts AccountSource
	gateway  mailbox.Gateway
	queue    queue.Enqueuer
	interval time.Duration
	jobOpts  queue.Options

	// cycleRunning bounds outstanding cycles to one: a tick that
	// arrives while the previous cycle is still working is skipped.
	cycleRunning atomic.Bool
}

func New(accounts AccountSource, gateway mailbox.Gateway, q queue.Enqueuer, interval time.Duration, jobOpts queue.Options) *Poller {
	return &Poller{
		accounts: accounts,
		gateway:  gateway,
		queue:    q,
		interval: interval,
		jobOpts:  jobOpts,
	}
}

// Run polls once immediately, then on every tick until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("Starting poller with %v interval", p.interval)

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.cycleRunning.CompareAndSwap(false, true) {
		log.Println("Previous poll cycle still running, skipping tick")
		return
	}
	defer p.cycleRunning.Store(false)

	p.runCycle(ctx)
}

func (p *Poller) runCycle(ctx context.Context) {
	accounts, err := p.accounts.ListEligible(ctx)
	if err != nil {
		log.Printf("Error listing eligible accounts: %v", err)
		return
	}

	log.Printf("Polling %d accounts for new messages", len(accounts))

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		count, err := p.pollAccount(ctx, account)
		if err != nil {
			log.Printf("Error polling account %s: %v", account.Key(), err)
			continue
		}
		if count > 0 {
			log.Printf("Enqueued %d new messages for account %s", count, account.Key())
		}
	}
}

// pollAccount handles one account in isolation. The cursor is only
// advanced after every discovered message has been enqueued; on any
// failure it stays put so the next cycle retries the same range.
// Duplicate discovery across cycles is expected and absorbed by the
// processor's idempotent upsert.
func (p *Poller) pollAccount(ctx context.Context, account models.Account) (int, error) {
	if account.HistoryID == nil || *account.HistoryID == "" {
		return 0, fmt.Errorf("account %s has no history cursor", account.Key())
	}

	changes, err := p.gateway.ListChangesSince(ctx, account, *account.HistoryID)
	if err != nil {
		if errors.Is(err, mailbox.ErrReauthorizationRequired) {
			if flagErr := p.accounts.FlagReauth(ctx, account.Provider, account.ProviderAccountID); flagErr != nil {
				log.Printf("Error flagging account %s for reauth: %v", account.Key(), flagErr)
			}
		}
		return 0, err
	}

	for _, messageID := range changes.AddedMessageIDs {
		job := models.ProcessNewMessageJob{
			Provider:          account.Provider,
			ProviderAccountID: account.ProviderAccountID,
			ProviderMessageID: messageID,
		}
		if err := p.queue.Enqueue(ctx, models.JobTypeProcessNewMessage, job, p.jobOpts); err != nil {
			return 0, fmt.Errorf("failed to enqueue message %s: %w", messageID, err)
		}
	}

	if err := p.accounts.AdvanceCursor(ctx, account.Provider, account.ProviderAccountID, changes.NewCursor); err != nil {
		return 0, err
	}

	return len(changes.AddedMessageIDs), nil
}

// AccountResult is the per-account outcome of a manual sync pass.
type AccountResult struct {
	Account     string `json:"accountId"`
	NewMessages int    `json:"newMessages"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// SyncReport is the result of SyncUser.
type SyncReport struct {
	TotalNewMessages int             `json:"totalNewMessages"`
	Accounts         []AccountResult `json:"accounts"`
}

// SyncUser runs one poll pass restricted to the user's eligible
// accounts. Per-account failures are reported, not propagated; a user
// with zero eligible accounts gets an empty successful report.
func (p *Poller) SyncUser(ctx context.Context, userID uuid.UUID) (SyncReport, error) {
	accounts, err := p.accounts.ListEligibleForUser(ctx, userID)
	if err != nil {
		return SyncReport{}, fmt.Errorf("failed to list accounts for user %s: %w", userID, err)
	}

	report := SyncReport{Accounts: []AccountResult{}}
	for _, account := range accounts {
		count, err := p.pollAccount(ctx, account)
		if err != nil {
			log.Printf("Error syncing account %s: %v", account.Key(), err)
			report.Accounts = append(report.Accounts, AccountResult{
				Account: account.Key(),
				Error:   err.Error(),
			})
			continue
		}
		report.TotalNewMessages += count
		report.Accounts = append(report.Accounts, AccountResult{
			Account:     account.Key(),
			NewMessages: count,
			Success:     true,
		})
	}

	return report, nil
}
