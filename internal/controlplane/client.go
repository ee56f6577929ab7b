// Package controlplane is the read-only client for the RealCast control
// plane: room roles and webhook subscription records. This core never writes
// control plane state.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/platform/retry"
)

const (
	requestTimeout        = 5 * time.Second
	retryInitialBackoff   = 200 * time.Millisecond
	retryRateLimitBackoff = 2 * time.Second
	retryMaxBackoff       = 5 * time.Second
)

// moderating roles; plain members and guests are not.
var moderatingRoles = map[string]bool{
	"owner":     true,
	"admin":     true,
	"moderator": true,
}

// Client implements domain.RoleLookup and domain.SubscriptionSource against
// the control plane REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Body)
}

// IsModerator resolves the user's role in the room. A missing membership is
// not an error: it means no moderation rights.
func (c *Client) IsModerator(ctx context.Context, tenantID, roomID, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/tenants/%s/rooms/%s/members/%s",
		c.baseURL, url.PathEscape(tenantID), url.PathEscape(roomID), url.PathEscape(userID))

	var payload struct {
		Role string `json:"role"`
	}
	err := c.getJSON(ctx, endpoint, &payload)

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("role lookup: %w", err)
	}
	return moderatingRoles[payload.Role], nil
}

// ListSubscriptions returns the tenant's active subscriptions for the event
// kind.
func (c *Client) ListSubscriptions(ctx context.Context, tenantID string, kind domain.EventKind) ([]domain.Subscription, error) {
	endpoint := fmt.Sprintf("%s/v1/tenants/%s/subscriptions?event=%s",
		c.baseURL, url.PathEscape(tenantID), url.QueryEscape(string(kind)))

	var payload struct {
		Subscriptions []struct {
			ID     uuid.UUID          `json:"id"`
			URL    string             `json:"url"`
			Events []domain.EventKind `json:"events"`
			Secret string             `json:"secret"`
			Active bool               `json:"active"`
		} `json:"subscriptions"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	subs := make([]domain.Subscription, 0, len(payload.Subscriptions))
	for _, s := range payload.Subscriptions {
		subs = append(subs, domain.Subscription{
			ID:       s.ID,
			TenantID: tenantID,
			URL:      s.URL,
			Events:   s.Events,
			Secret:   s.Secret,
			Active:   s.Active,
		})
	}
	return subs, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	p := retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
		MaxBackoff:       retryMaxBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.WarnContext(ctx, "Control plane request failed, retrying",
				"endpoint", endpoint, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
		},
	}

	body, err := retry.Do(ctx, p, classifyAPIError, func() ([]byte, error) {
		return c.get(ctx, endpoint)
	})
	if err != nil {
		var permanent *retry.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func classifyAPIError(err error) retry.Action {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}
