// Package gmail implements the mailbox.Gateway capability against the
// Gmail REST API, including transparent refresh-and-persist of expired
// access tokens.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jmsv23/email-sort/internal/credentials"
	"github.com/jmsv23/email-sort/internal/mailbox"
	"github.com/jmsv23/email-sort/internal/models"
)

const callTimeout = 30 * time.Second

// credentialSource is the slice of the credential store the gateway
// needs. *credentials.Store satisfies it.
type credentialSource interface {
	Get(ctx context.Context, provider, providerAccountID string) (credentials.Credentials, error)
	Rotate(ctx context.Context, provider, providerAccountID, newAccessToken string, newRefreshToken *string) error
}

// Service talks to the Gmail API for all connected google accounts.
// Every authenticated call goes through callWithRefresh: a 401 triggers
// one refresh-token exchange, the rotated pair is persisted through the
// credential store, and the original call is retried exactly once.
type Service struct {
	creds    credentialSource
	oauthCfg *oauth2.Config
	cb       *gobreaker.CircuitBreaker

	// refresh is swappable so the retry-once contract is testable
	// without a live token endpoint.
	refresh func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// endpoint overrides the API base URL in tests.
	endpoint string
}

func NewService(creds *credentials.Store) *Service {
	return newService(creds)
}

func newService(creds credentialSource) *Service {
	cfg := &oauth2.Config{
		ClientID:     viper.GetString("google.client_id"),
		ClientSecret: viper.GetString("google.client_secret"),
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailModifyScope},
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "gmail-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Auth expiry and remote 404s are expected conditions
			// handled by the caller, not provider outages.
			return err == nil || isAuthExpired(err) || isNotFound(err)
		},
	})

	s := &Service{creds: creds, oauthCfg: cfg, cb: cb}
	s.refresh = s.refreshAccessToken
	return s
}

func (s *Service) client(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail client: %w", err)
	}
	return svc, nil
}

// Bootstrap fetches the profile with a bare token pair, before any
// account row exists. A failure here must abort the linkage so that an
// unverified token pair is never persisted.
func (s *Service) Bootstrap(ctx context.Context, creds credentials.Credentials) (mailbox.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	svc, err := s.client(ctx, creds.AccessToken)
	if err != nil {
		return mailbox.Profile{}, err
	}

	var profile *gmailapi.Profile
	err = s.execute(func() error {
		var callErr error
		profile, callErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return mailbox.Profile{}, fmt.Errorf("failed to fetch gmail profile: %w", err)
	}

	return mailbox.Profile{
		EmailAddress:  profile.EmailAddress,
		InitialCursor: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// ListChangesSince queries the history API for messageAdded events
// after the given cursor, following pagination. An expired cursor maps
// to mailbox.ErrCursorExpired so the caller can distinguish it from a
// transient failure.
func (s *Service) ListChangesSince(ctx context.Context, account models.Account, cursor string) (mailbox.Changes, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return mailbox.Changes{}, fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var changes mailbox.Changes
	err = s.callWithRefresh(ctx, account, func(ctx context.Context, token string) error {
		svc, err := s.client(ctx, token)
		if err != nil {
			return err
		}

		var ids []string
		newCursor := cursor
		pageToken := ""
		for {
			call := svc.Users.History.List("me").
				StartHistoryId(startID).
				HistoryTypes("messageAdded").
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			resp, err := call.Do()
			if err != nil {
				return err
			}

			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message != nil && added.Message.Id != "" {
						ids = append(ids, added.Message.Id)
					}
				}
			}
			if resp.HistoryId > 0 {
				newCursor = strconv.FormatUint(resp.HistoryId, 10)
			}

			pageToken = resp.NextPageToken
			if pageToken == "" {
				break
			}
		}

		changes = mailbox.Changes{AddedMessageIDs: ids, NewCursor: newCursor}
		return nil
	})
	if err != nil {
		// Gmail reports an expired or invalid startHistoryId as 404.
		if isNotFound(err) {
			return mailbox.Changes{}, fmt.Errorf("%w: history %s for %s", mailbox.ErrCursorExpired, cursor, account.Key())
		}
		return mailbox.Changes{}, fmt.Errorf("failed to list history for %s: %w", account.Key(), err)
	}

	return changes, nil
}

// FetchMessage retrieves full message content and normalizes headers
// and body text. A message deleted remotely between discovery and fetch
// maps to mailbox.ErrMessageNotFound.
func (s *Service) FetchMessage(ctx context.Context, account models.Account, messageID string) (mailbox.MessageContent, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var msg *gmailapi.Message
	err := s.callWithRefresh(ctx, account, func(ctx context.Context, token string) error {
		svc, err := s.client(ctx, token)
		if err != nil {
			return err
		}
		msg, err = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return mailbox.MessageContent{}, fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, messageID)
		}
		return mailbox.MessageContent{}, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}

	content := mailbox.MessageContent{
		ProviderMessageID: msg.Id,
		ThreadID:          msg.ThreadId,
		Snippet:           msg.Snippet,
	}
	if msg.Payload != nil {
		content.Subject = headerValue(msg.Payload.Headers, "Subject")
		content.From = headerValue(msg.Payload.Headers, "From")
		content.To = headerValue(msg.Payload.Headers, "To")
		content.BodyText = extractBodyText(msg.Payload)
	}

	return content, nil
}

// Archive removes the INBOX label. Removing a label the message no
// longer carries succeeds at the provider, and a message deleted
// remotely is treated as already gone, so the operation is idempotent.
func (s *Service) Archive(ctx context.Context, account models.Account, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	err := s.callWithRefresh(ctx, account, func(ctx context.Context, token string) error {
		svc, err := s.client(ctx, token)
		if err != nil {
			return err
		}
		_, err = svc.Users.Messages.Modify("me", messageID, &gmailapi.ModifyMessageRequest{
			RemoveLabelIds: []string{"INBOX"},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			log.Printf("Archive: message %s already gone for %s", messageID, account.Key())
			return nil
		}
		return fmt.Errorf("failed to archive message %s: %w", messageID, err)
	}

	return nil
}

// Trash moves the message to the trash folder. Like Archive it treats
// an already-deleted message as done.
func (s *Service) Trash(ctx context.Context, account models.Account, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	err := s.callWithRefresh(ctx, account, func(ctx context.Context, token string) error {
		svc, err := s.client(ctx, token)
		if err != nil {
			return err
		}
		_, err = svc.Users.Messages.Trash("me", messageID).Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			log.Printf("Trash: message %s already gone for %s", messageID, account.Key())
			return nil
		}
		return fmt.Errorf("failed to trash message %s: %w", messageID, err)
	}

	return nil
}

// callWithRefresh runs fn with the account's stored access token. On
// auth expiry it performs a single refresh-and-persist cycle and
// retries once. A failed refresh exchange surfaces
// mailbox.ErrReauthorizationRequired; the account row is left in place
// for the owner to re-link.
func (s *Service) callWithRefresh(ctx context.Context, account models.Account, fn func(ctx context.Context, token string) error) error {
	creds, err := s.creds.Get(ctx, account.Provider, account.ProviderAccountID)
	if err != nil {
		return err
	}

	err = s.execute(func() error { return fn(ctx, creds.AccessToken) })
	if err == nil || !isAuthExpired(err) {
		return err
	}

	tok, refreshErr := s.refresh(ctx, creds.RefreshToken)
	if refreshErr != nil {
		if isRevokedGrant(refreshErr) {
			return fmt.Errorf("%w: %v", mailbox.ErrReauthorizationRequired, refreshErr)
		}
		return fmt.Errorf("failed to refresh access token for %s: %w", account.Key(), refreshErr)
	}

	var newRefresh *string
	if tok.RefreshToken != "" {
		newRefresh = &tok.RefreshToken
	}
	if err := s.creds.Rotate(ctx, account.Provider, account.ProviderAccountID, tok.AccessToken, newRefresh); err != nil {
		return fmt.Errorf("failed to persist rotated credentials for %s: %w", account.Key(), err)
	}

	return s.execute(func() error { return fn(ctx, tok.AccessToken) })
}

func (s *Service) refreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "no refresh token on file"}
	}
	ts := s.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return ts.Token()
}

func (s *Service) execute(fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// isRevokedGrant distinguishes a rejected grant from a token-endpoint
// outage. The oauth2 package returns RetrieveError for every non-2xx
// token response, so only invalid_grant (or a 400/401 status) means the
// refresh token itself is dead; a 5xx is transient and must not flag
// the account.
func isRevokedGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	if retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		return code == http.StatusBadRequest || code == http.StatusUnauthorized
	}
	return false
}

func isAuthExpired(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 401
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func headerValue(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
