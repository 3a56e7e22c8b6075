package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmsv23/email-sort/internal/ai"
	"github.com/jmsv23/email-sort/internal/credentials"
	"github.com/jmsv23/email-sort/internal/mailbox"
	"github.com/jmsv23/email-sort/internal/models"
	"github.com/jmsv23/email-sort/internal/queue"
	"github.com/jmsv23/email-sort/internal/store"
)

type fakeStore struct {
	account    models.Account
	accountErr error
	categories []models.Category
	messages   map[string]models.Message
	upsertErr  error
	ops        *[]string
}

func (f *fakeStore) GetAccount(ctx context.Context, provider, providerAccountID string) (models.Account, error) {
	if f.accountErr != nil {
		return models.Account{}, f.accountErr
	}
	return f.account, nil
}

func (f *fakeStore) ListCategories(ctx context.Context, userID uuid.UUID) ([]models.Category, error) {
	return f.categories, nil
}

func (f *fakeStore) UpsertMessage(ctx context.Context, m *models.Message) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if f.messages == nil {
		f.messages = make(map[string]models.Message)
	}
	f.messages[m.Provider+":"+m.ProviderAccountID+":"+m.ProviderMessageID] = *m
	if f.ops != nil {
		*f.ops = append(*f.ops, "upsert")
	}
	return nil
}

func (f *fakeStore) MarkArchived(ctx context.Context, provider, providerAccountID, providerMessageID string) error {
	key := provider + ":" + providerAccountID + ":" + providerMessageID
	m, ok := f.messages[key]
	if !ok {
		return store.ErrMessageNotFound
	}
	m.Archived = true
	f.messages[key] = m
	if f.ops != nil {
		*f.ops = append(*f.ops, "mark-archived")
	}
	return nil
}

func (f *fakeStore) GetMessage(ctx context.Context, provider, providerAccountID, providerMessageID string) (models.Message, error) {
	m, ok := f.messages[provider+":"+providerAccountID+":"+providerMessageID]
	if !ok {
		return models.Message{}, store.ErrMessageNotFound
	}
	return m, nil
}

type fakeGateway struct {
	content    mailbox.MessageContent
	fetchErr   error
	archiveErr error
	archived   []string
	ops        *[]string
}

func (f *fakeGateway) Bootstrap(ctx context.Context, creds credentials.Credentials) (mailbox.Profile, error) {
	return mailbox.Profile{}, errors.New("not used")
}

func (f *fakeGateway) ListChangesSince(ctx context.Context, account models.Account, cursor string) (mailbox.Changes, error) {
	return mailbox.Changes{}, errors.New("not used")
}

func (f *fakeGateway) FetchMessage(ctx context.Context, account models.Account, messageID string) (mailbox.MessageContent, error) {
	if f.fetchErr != nil {
		return mailbox.MessageContent{}, f.fetchErr
	}
	return f.content, nil
}

func (f *fakeGateway) Archive(ctx context.Context, account models.Account, messageID string) error {
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived = append(f.archived, messageID)
	if f.ops != nil {
		*f.ops = append(*f.ops, "archive")
	}
	return nil
}

type fakeAI struct {
	classification ai.Classification
	classifyErr    error
	summary        string
	summarizeErr   error
	classifyInput  ai.ClassifyInput
}

func (f *fakeAI) Classify(ctx context.Context, in ai.ClassifyInput) (ai.Classification, error) {
	f.classifyInput = in
	if f.classifyErr != nil {
		return ai.DegradedClassification("classification failed"), f.classifyErr
	}
	return f.classification, nil
}

func (f *fakeAI) Summarize(ctx context.Context, in ai.SummarizeInput) (string, error) {
	if f.summarizeErr != nil {
		return "", f.summarizeErr
	}
	return f.summary, nil
}

func processJob(t *testing.T) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.ProcessNewMessageJob{
		Provider:          "google",
		ProviderAccountID: "acct-1",
		ProviderMessageID: "msg-1",
	})
	require.NoError(t, err)
	return &queue.Job{Type: models.JobTypeProcessNewMessage, Payload: payload}
}

func TestProcessNewMessageFullPipeline(t *testing.T) {
	userID := uuid.New()
	categoryID := uuid.New()
	var ops []string

	st := &fakeStore{
		account:    models.Account{Provider: "google", ProviderAccountID: "acct-1", UserID: userID},
		categories: []models.Category{{ID: categoryID, UserID: userID, Name: "Newsletters"}},
		ops:        &ops,
	}
	gw := &fakeGateway{
		content: mailbox.MessageContent{
			ProviderMessageID: "msg-1",
			ThreadID:          "thread-1",
			Subject:           "Weekly digest",
			From:              "news@example.com",
			To:                "me@example.com",
			BodyText:          "This week in things.",
		},
		ops: &ops,
	}
	model := &fakeAI{
		classification: ai.Classification{CategoryID: categoryID.String(), Confidence: 0.92, Reason: "digest email"},
		summary:        "A weekly digest.",
	}

	p := New(st, gw, model)
	require.NoError(t, p.HandleProcessNewMessage(context.Background(), processJob(t)))

	msg, err := st.GetMessage(context.Background(), "google", "acct-1", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "Weekly digest", msg.Subject)
	assert.Equal(t, "news@example.com", msg.FromAddress)
	require.NotNil(t, msg.ThreadID)
	assert.Equal(t, "thread-1", *msg.ThreadID)
	require.NotNil(t, msg.CategoryID)
	assert.Equal(t, categoryID, *msg.CategoryID)
	assert.Equal(t, 0.92, msg.ClassificationConfidence)
	require.NotNil(t, msg.AISummary)
	assert.Equal(t, "A weekly digest.", *msg.AISummary)
	assert.True(t, msg.Archived)

	// Categories are offered to the model by id.
	require.Len(t, model.classifyInput.Categories, 1)
	assert.Equal(t, categoryID.String(), model.classifyInput.Categories[0].ID)

	// The remote archive must not precede the durable write, and the
	// archived flag must not precede the remote archive.
	assert.Equal(t, []string{"upsert", "archive", "mark-archived"}, ops)
	assert.Equal(t, []string{"msg-1"}, gw.archived)
}

func TestProcessNewMessageSkipsDeletedMessage(t *testing.T) {
	st := &fakeStore{account: models.Account{Provider: "google", ProviderAccountID: "acct-1"}}
	gw := &fakeGateway{fetchErr: mailbox.ErrMessageNotFound}

	err := New(st, gw, &fakeAI{}).HandleProcessNewMessage(context.Background(), processJob(t))

	require.NoError(t, err)
	assert.Empty(t, st.messages)
	assert.Empty(t, gw.archived)
}

func TestProcessNewMessageSkipsDisconnectedAccount(t *testing.T) {
	st := &fakeStore{accountErr: store.ErrAccountNotFound}

	err := New(st, &fakeGateway{}, &fakeAI{}).HandleProcessNewMessage(context.Background(), processJob(t))

	require.NoError(t, err)
	assert.Empty(t, st.messages)
}

func TestProcessNewMessageStoresDegradedClassification(t *testing.T) {
	st := &fakeStore{account: models.Account{Provider: "google", ProviderAccountID: "acct-1"}}
	gw := &fakeGateway{content: mailbox.MessageContent{ProviderMessageID: "msg-1", Subject: "Hello"}}
	model := &fakeAI{classifyErr: errors.New("model overloaded"), summary: "Short."}

	err := New(st, gw, model).HandleProcessNewMessage(context.Background(), processJob(t))

	require.NoError(t, err)
	msg, err := st.GetMessage(context.Background(), "google", "acct-1", "msg-1")
	require.NoError(t, err)
	assert.Nil(t, msg.CategoryID)
	assert.Zero(t, msg.ClassificationConfidence)
	assert.Equal(t, "classification failed", msg.ClassificationReason)
	// A degraded classification does not block archiving.
	assert.Equal(t, []string{"msg-1"}, gw.archived)
}

func TestProcessNewMessageSummarizeFailureRetries(t *testing.T) {
	st := &fakeStore{account: models.Account{Provider: "google", ProviderAccountID: "acct-1"}}
	gw := &fakeGateway{content: mailbox.MessageContent{ProviderMessageID: "msg-1"}}
	model := &fakeAI{summarizeErr: errors.New("model overloaded")}

	err := New(st, gw, model).HandleProcessNewMessage(context.Background(), processJob(t))

	assert.Error(t, err)
	assert.Empty(t, st.messages)
	assert.Empty(t, gw.archived)
}

func TestProcessNewMessageArchiveFailureAfterDurableWrite(t *testing.T) {
	st := &fakeStore{account: models.Account{Provider: "google", ProviderAccountID: "acct-1"}}
	gw := &fakeGateway{
		content:    mailbox.MessageContent{ProviderMessageID: "msg-1", Subject: "Hello"},
		archiveErr: errors.New("modify call failed"),
	}
	model := &fakeAI{summary: "Short."}

	p := New(st, gw, model)
	err := p.HandleProcessNewMessage(context.Background(), processJob(t))
	assert.Error(t, err)

	// The row is already durable but must not claim the archive that
	// never happened.
	require.Len(t, st.messages, 1)
	msg, err := st.GetMessage(context.Background(), "google", "acct-1", "msg-1")
	require.NoError(t, err)
	assert.False(t, msg.Archived)

	// Redelivery reruns the whole pipeline; the keyed upsert absorbs
	// the duplicate and the flag follows the successful archive.
	gw.archiveErr = nil
	require.NoError(t, p.HandleProcessNewMessage(context.Background(), processJob(t)))
	assert.Len(t, st.messages, 1)
	assert.Equal(t, []string{"msg-1"}, gw.archived)
	msg, err = st.GetMessage(context.Background(), "google", "acct-1", "msg-1")
	require.NoError(t, err)
	assert.True(t, msg.Archived)
}

func TestProcessNewMessageRejectsMalformedPayload(t *testing.T) {
	job := &queue.Job{Type: models.JobTypeProcessNewMessage, Payload: json.RawMessage(`{"provider":`)}

	err := New(&fakeStore{}, &fakeGateway{}, &fakeAI{}).HandleProcessNewMessage(context.Background(), job)

	assert.Error(t, err)
}

func TestHandleUnsubscribeAcknowledges(t *testing.T) {
	payload, err := json.Marshal(models.UnsubscribeJob{MessageID: uuid.New(), UserID: uuid.New()})
	require.NoError(t, err)
	job := &queue.Job{Type: models.JobTypeUnsubscribe, Payload: payload}

	assert.NoError(t, New(&fakeStore{}, &fakeGateway{}, &fakeAI{}).HandleUnsubscribe(context.Background(), job))
}
