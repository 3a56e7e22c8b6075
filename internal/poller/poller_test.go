package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmsv23/email-sort/internal/credentials"
	"github.com/jmsv23/email-sort/internal/mailbox"
	"github.com/jmsv23/email-sort/internal/models"
	"github.com/jmsv23/email-sort/internal/queue"
)

type fakeAccounts struct {
	accounts []models.Account
	cursors  map[string]string
	reauth   map[string]bool
	listErr  error
}

func newFakeAccounts(accounts ...models.Account) *fakeAccounts {
	f := &fakeAccounts{
		accounts: accounts,
		cursors:  make(map[string]string),
		reauth:   make(map[string]bool),
	}
	for _, a := range accounts {
		if a.HistoryID != nil {
			f.cursors[a.Key()] = *a.HistoryID
		}
	}
	return f
}

func (f *fakeAccounts) ListEligible(ctx context.Context) ([]models.Account, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var eligible []models.Account
	for _, a := range f.accounts {
		if a.Eligible() && !f.reauth[a.Key()] {
			eligible = append(eligible, a)
		}
	}
	return eligible, nil
}

func (f *fakeAccounts) ListEligibleForUser(ctx context.Context, userID uuid.UUID) ([]models.Account, error) {
	all, err := f.ListEligible(ctx)
	if err != nil {
		return nil, err
	}
	var mine []models.Account
	for _, a := range all {
		if a.UserID == userID {
			mine = append(mine, a)
		}
	}
	return mine, nil
}

func (f *fakeAccounts) AdvanceCursor(ctx context.Context, provider, providerAccountID, newCursor string) error {
	f.cursors[provider+":"+providerAccountID] = newCursor
	return nil
}

func (f *fakeAccounts) FlagReauth(ctx context.Context, provider, providerAccountID string) error {
	f.reauth[provider+":"+providerAccountID] = true
	return nil
}

type fakeGateway struct {
	changes map[string]mailbox.Changes
	errs    map[string]error
}

func (f *fakeGateway) Bootstrap(ctx context.Context, creds credentials.Credentials) (mailbox.Profile, error) {
	return mailbox.Profile{}, errors.New("not used")
}

func (f *fakeGateway) ListChangesSince(ctx context.Context, account models.Account, cursor string) (mailbox.Changes, error) {
	if err := f.errs[account.Key()]; err != nil {
		return mailbox.Changes{}, err
	}
	return f.changes[account.Key()], nil
}

func (f *fakeGateway) FetchMessage(ctx context.Context, account models.Account, messageID string) (mailbox.MessageContent, error) {
	return mailbox.MessageContent{}, errors.New("not used")
}

func (f *fakeGateway) Archive(ctx context.Context, account models.Account, messageID string) error {
	return errors.New("not used")
}

type enqueued struct {
	jobType string
	payload models.ProcessNewMessageJob
}

type fakeQueue struct {
	jobs      []enqueued
	failAfter int // fail once this many jobs were accepted; -1 never
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobType string, payload any, opts queue.Options) error {
	if f.failAfter >= 0 && len(f.jobs) >= f.failAfter {
		return errors.New("queue unavailable")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var job models.ProcessNewMessageJob
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	f.jobs = append(f.jobs, enqueued{jobType: jobType, payload: job})
	return nil
}

func account(id string, userID uuid.UUID, cursor string) models.Account {
	a := models.Account{Provider: "google", ProviderAccountID: id, UserID: userID}
	if cursor != "" {
		a.HistoryID = &cursor
	}
	return a
}

func newTestPoller(accounts *fakeAccounts, gateway *fakeGateway, q *fakeQueue) *Poller {
	return New(accounts, gateway, q, 15*time.Second, queue.DefaultOptions())
}

func TestPollAccountEnqueuesAndAdvancesCursor(t *testing.T) {
	userID := uuid.New()
	acct := account("acct-a", userID, "100")
	accounts := newFakeAccounts(acct)
	gateway := &fakeGateway{changes: map[string]mailbox.Changes{
		"google:acct-a": {AddedMessageIDs: []string{"m1", "m2"}, NewCursor: "105"},
	}}
	q := &fakeQueue{failAfter: -1}

	p := newTestPoller(accounts, gateway, q)
	count, err := p.pollAccount(context.Background(), acct)

	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "105", accounts.cursors["google:acct-a"])

	require.Len(t, q.jobs, 2)
	assert.Equal(t, models.JobTypeProcessNewMessage, q.jobs[0].jobType)
	assert.Equal(t, "m1", q.jobs[0].payload.ProviderMessageID)
	assert.Equal(t, "m2", q.jobs[1].payload.ProviderMessageID)
	assert.Equal(t, "acct-a", q.jobs[0].payload.ProviderAccountID)
}

func TestPollAccountEmptyChangeSet(t *testing.T) {
	acct := account("acct-a", uuid.New(), "100")
	accounts := newFakeAccounts(acct)
	gateway := &fakeGateway{changes: map[string]mailbox.Changes{
		"google:acct-a": {NewCursor: "100"},
	}}
	q := &fakeQueue{failAfter: -1}

	count, err := newTestPoller(accounts, gateway, q).pollAccount(context.Background(), acct)

	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, q.jobs)
	assert.Equal(t, "100", accounts.cursors["google:acct-a"])
}

func TestCycleIsolatesPerAccountFailures(t *testing.T) {
	userID := uuid.New()
	acctA := account("acct-a", userID, "50")
	acctB := account("acct-b", userID, "70")
	acctC := account("acct-c", userID, "90")
	accounts := newFakeAccounts(acctA, acctB, acctC)
	gateway := &fakeGateway{
		changes: map[string]mailbox.Changes{
			"google:acct-a": {AddedMessageIDs: []string{"a1"}, NewCursor: "55"},
			"google:acct-c": {AddedMessageIDs: []string{"c1", "c2"}, NewCursor: "95"},
		},
		errs: map[string]error{
			"google:acct-b": fmt.Errorf("history fetch: %w", context.DeadlineExceeded),
		},
	}
	q := &fakeQueue{failAfter: -1}

	newTestPoller(accounts, gateway, q).runCycle(context.Background())

	// The healthy accounts advanced and enqueued; the failed one kept
	// its cursor so the next tick retries the same range.
	assert.Equal(t, "55", accounts.cursors["google:acct-a"])
	assert.Equal(t, "70", accounts.cursors["google:acct-b"])
	assert.Equal(t, "95", accounts.cursors["google:acct-c"])
	assert.Len(t, q.jobs, 3)
}

func TestRevokedAccountIsFlaggedAndCursorUnchanged(t *testing.T) {
	userID := uuid.New()
	acctA := account("acct-a", userID, "10")
	acctB := account("acct-b", userID, "20")
	accounts := newFakeAccounts(acctA, acctB)
	gateway := &fakeGateway{
		changes: map[string]mailbox.Changes{
			"google:acct-b": {AddedMessageIDs: []string{"b1"}, NewCursor: "25"},
		},
		errs: map[string]error{
			"google:acct-a": mailbox.ErrReauthorizationRequired,
		},
	}
	q := &fakeQueue{failAfter: -1}

	newTestPoller(accounts, gateway, q).runCycle(context.Background())

	assert.True(t, accounts.reauth["google:acct-a"])
	assert.Equal(t, "10", accounts.cursors["google:acct-a"])
	assert.Equal(t, "25", accounts.cursors["google:acct-b"])
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "b1", q.jobs[0].payload.ProviderMessageID)

	// Next cycle skips the flagged account entirely.
	eligible, err := accounts.ListEligible(context.Background())
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "acct-b", eligible[0].ProviderAccountID)
}

func TestCursorNotAdvancedWhenEnqueueFails(t *testing.T) {
	acct := account("acct-a", uuid.New(), "100")
	accounts := newFakeAccounts(acct)
	gateway := &fakeGateway{changes: map[string]mailbox.Changes{
		"google:acct-a": {AddedMessageIDs: []string{"m1", "m2", "m3"}, NewCursor: "110"},
	}}
	q := &fakeQueue{failAfter: 2}

	_, err := newTestPoller(accounts, gateway, q).pollAccount(context.Background(), acct)

	assert.Error(t, err)
	assert.Equal(t, "100", accounts.cursors["google:acct-a"])
}

func TestSyncUserReportsPerAccount(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()
	acctA := account("acct-a", userA, "100")
	acctB := account("acct-b", userA, "200")
	acctOther := account("acct-z", userB, "900")
	accounts := newFakeAccounts(acctA, acctB, acctOther)
	gateway := &fakeGateway{
		changes: map[string]mailbox.Changes{
			"google:acct-a": {AddedMessageIDs: []string{"m1", "m2"}, NewCursor: "105"},
			"google:acct-z": {AddedMessageIDs: []string{"z1"}, NewCursor: "905"},
		},
		errs: map[string]error{
			"google:acct-b": errors.New("connection reset"),
		},
	}
	q := &fakeQueue{failAfter: -1}

	report, err := newTestPoller(accounts, gateway, q).SyncUser(context.Background(), userA)

	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalNewMessages)
	require.Len(t, report.Accounts, 2)

	assert.True(t, report.Accounts[0].Success)
	assert.Equal(t, 2, report.Accounts[0].NewMessages)
	assert.False(t, report.Accounts[1].Success)
	assert.Contains(t, report.Accounts[1].Error, "connection reset")

	// Another user's account was not touched.
	for _, j := range q.jobs {
		assert.NotEqual(t, "z1", j.payload.ProviderMessageID)
	}
}

func TestSyncUserZeroEligibleAccounts(t *testing.T) {
	noCursor := account("acct-new", uuid.New(), "")
	accounts := newFakeAccounts(noCursor)
	q := &fakeQueue{failAfter: -1}

	report, err := newTestPoller(accounts, &fakeGateway{}, q).SyncUser(context.Background(), noCursor.UserID)

	require.NoError(t, err)
	assert.Zero(t, report.TotalNewMessages)
	assert.Empty(t, report.Accounts)
}

func TestTickSkipsWhileCycleRunning(t *testing.T) {
	acct := account("acct-a", uuid.New(), "100")
	accounts := newFakeAccounts(acct)
	gateway := &fakeGateway{changes: map[string]mailbox.Changes{}}
	p := newTestPoller(accounts, gateway, &fakeQueue{failAfter: -1})

	p.cycleRunning.Store(true)
	p.tick(context.Background())
	// A skipped tick leaves the guard owned by the running cycle.
	assert.True(t, p.cycleRunning.Load())

	p.cycleRunning.Store(false)
	p.tick(context.Background())
	assert.False(t, p.cycleRunning.Load())
}
