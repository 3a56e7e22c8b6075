package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmsv23/email-sort/internal/poller"
)

type fakeSyncer struct {
	report poller.SyncReport
	err    error
	userID uuid.UUID
}

func (f *fakeSyncer) SyncUser(ctx context.Context, userID uuid.UUID) (poller.SyncReport, error) {
	f.userID = userID
	if f.err != nil {
		return poller.SyncReport{}, f.err
	}
	return f.report, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	NewRouter(&fakeSyncer{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSyncReturnsReport(t *testing.T) {
	userID := uuid.New()
	syncer := &fakeSyncer{report: poller.SyncReport{
		TotalNewMessages: 3,
		Accounts: []poller.AccountResult{
			{Account: "google:acct-1", NewMessages: 3, Success: true},
			{Account: "google:acct-2", Success: false, Error: "connection reset"},
		},
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/"+userID.String(), nil)
	NewRouter(syncer).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, syncer.userID)

	var report poller.SyncReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 3, report.TotalNewMessages)
	require.Len(t, report.Accounts, 2)
	assert.Equal(t, "google:acct-1", report.Accounts[0].Account)
	assert.Equal(t, "connection reset", report.Accounts[1].Error)
}

func TestSyncNoEligibleAccounts(t *testing.T) {
	syncer := &fakeSyncer{report: poller.SyncReport{Accounts: []poller.AccountResult{}}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/"+uuid.NewString(), nil)
	NewRouter(syncer).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"totalNewMessages":0,"accounts":[]}`, w.Body.String())
}

func TestSyncRejectsBadUserID(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/not-a-uuid", nil)
	NewRouter(&fakeSyncer{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncReportsFailure(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("database unavailable")}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/"+uuid.NewString(), nil)
	NewRouter(syncer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
