// Package profiles provides clients for the external user-profile and
// ACSP-profile services. Both are read-only collaborators: a 404 maps to
// ErrNotFound, a deadline to a typed TimeoutError, and anything else to a
// wrapped transport error. Neither failure mode is ever treated as an
// authorization decision.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/felthorpe/acsp-members/pkg/config"
	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

// ErrNotFound indicates the collaborator has no record for the lookup
var ErrNotFound = errors.New("profile not found")

// TimeoutError indicates an outbound call exceeded its deadline. Timeouts
// are transient failures and map to 500, never to 401/403.
type TimeoutError struct {
	Service string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request timed out: %v", e.Service, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a collaborator timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// OrgStatusCeased is the terminal ACSP state. A ceased organization is
// exempt from last-owner protection.
const OrgStatusCeased = "ceased"

// OrgProfile is the external, read-only view of an ACSP organization
type OrgProfile struct {
	Number string `json:"acsp_number"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Ceased reports whether the organization has reached its terminal state
func (p *OrgProfile) Ceased() bool {
	return p.Status == OrgStatusCeased
}

// UserClient resolves user profiles from the user-profile service
type UserClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	cache   *lru.LRU[string, identity.User]
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewUserClient creates a user-profile client. Successful lookups are
// cached in an expirable LRU so hot callers do not hammer the service.
func NewUserClient(cfg config.CollaboratorConfig, metrics *observability.Metrics, logger *observability.Logger) *UserClient {
	return &UserClient{
		baseURL: cfg.UsersAPIURL,
		client:  &http.Client{},
		timeout: cfg.RequestTimeout,
		cache:   lru.NewLRU[string, identity.User](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics: metrics,
		logger:  logger,
	}
}

// GetUser fetches a user profile by id
func (c *UserClient) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	if cached, ok := c.cache.Get("id:" + userID); ok {
		return &cached, nil
	}

	var user identity.User
	err := c.getJSON(ctx, c.baseURL+"/users/"+url.PathEscape(userID), &user)
	if err != nil {
		return nil, err
	}

	c.cache.Add("id:"+user.ID, user)
	return &user, nil
}

// FindUserByEmail searches the user-profile service by email address
func (c *UserClient) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	if cached, ok := c.cache.Get("email:" + email); ok {
		return &cached, nil
	}

	var users []identity.User
	query := url.Values{"user_email": {email}}
	err := c.getJSON(ctx, c.baseURL+"/users/search?"+query.Encode(), &users)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}

	user := users[0]
	c.cache.Add("email:"+email, user)
	return &user, nil
}

func (c *UserClient) getJSON(ctx context.Context, rawURL string, dest interface{}) error {
	return getJSON(ctx, c.client, c.timeout, "users", rawURL, dest, c.metrics)
}

// OrgClient resolves ACSP organization profiles
type OrgClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	cache   *lru.LRU[string, OrgProfile]
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewOrgClient creates an ACSP-profile client
func NewOrgClient(cfg config.CollaboratorConfig, metrics *observability.Metrics, logger *observability.Logger) *OrgClient {
	return &OrgClient{
		baseURL: cfg.ACSPProfileURL,
		client:  &http.Client{},
		timeout: cfg.RequestTimeout,
		cache:   lru.NewLRU[string, OrgProfile](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics: metrics,
		logger:  logger,
	}
}

// GetProfile fetches the organization profile for an ACSP number
func (c *OrgClient) GetProfile(ctx context.Context, acspNumber string) (*OrgProfile, error) {
	if cached, ok := c.cache.Get(acspNumber); ok {
		return &cached, nil
	}

	var profile OrgProfile
	err := getJSON(ctx, c.client, c.timeout, "acsp-profile",
		c.baseURL+"/acsps/"+url.PathEscape(acspNumber), &profile, c.metrics)
	if err != nil {
		return nil, err
	}

	c.cache.Add(acspNumber, profile)
	return &profile, nil
}

// getJSON performs a GET with a per-call deadline and maps the response
// onto the package error taxonomy.
func getJSON(ctx context.Context, client *http.Client, timeout time.Duration, service, rawURL string, dest interface{}, metrics *observability.Metrics) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			recordCollaborator(metrics, service, "timeout")
			return &TimeoutError{Service: service, Err: err}
		}
		recordCollaborator(metrics, service, "error")
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		recordCollaborator(metrics, service, "not_found")
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		recordCollaborator(metrics, service, "error")
		return fmt.Errorf("%s request returned status %d", service, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		recordCollaborator(metrics, service, "error")
		return fmt.Errorf("failed to decode %s response: %w", service, err)
	}

	recordCollaborator(metrics, service, "ok")
	return nil
}

func recordCollaborator(metrics *observability.Metrics, service, status string) {
	if metrics != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues(service, status).Inc()
	}
}
