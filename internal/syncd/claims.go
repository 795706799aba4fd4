package syncd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/quizpulse/quizpulse/internal/identity"
)

// Claim and notification calls against the broker's identity
// endpoints. These reuse the broker-side types; the wire shapes are
// identical.

// RegisterAccount creates or updates an account on the broker.
func (c *RESTClient) RegisterAccount(ctx context.Context, username, role string) error {
	body := map[string]string{"username": username, "role": role}
	return c.post(ctx, "/api/accounts", body, nil)
}

// Orphans lists usernames that own answers but have no account.
func (c *RESTClient) Orphans(ctx context.Context) ([]string, error) {
	var out []string
	err := c.get(ctx, "/api/claims/orphans", &out)
	return out, err
}

// CreateClaims opens a claim round for an orphan username.
func (c *RESTClient) CreateClaims(ctx context.Context, orphan string, candidates []string, createdBy string) ([]identity.Claim, error) {
	body := map[string]any{
		"orphanUsername": orphan,
		"candidates":     candidates,
		"createdBy":      createdBy,
	}
	var out []identity.Claim
	err := c.post(ctx, "/api/claims", body, &out)
	return out, err
}

// PendingClaims lists the claims awaiting a response from username.
func (c *RESTClient) PendingClaims(ctx context.Context, username string) ([]identity.Claim, error) {
	var out []identity.Claim
	err := c.get(ctx, "/api/claims/pending?username="+url.QueryEscape(username), &out)
	return out, err
}

// RespondClaim records a yes/no answer to a claim.
func (c *RESTClient) RespondClaim(ctx context.Context, claimID, username, response string) error {
	body := map[string]string{"claimId": claimID, "username": username, "response": response}
	return c.post(ctx, "/api/claims/respond", body, nil)
}

// ResolveClaim evaluates an orphan's claim round.
func (c *RESTClient) ResolveClaim(ctx context.Context, orphan string) (identity.Resolution, error) {
	var out identity.Resolution
	err := c.get(ctx, "/api/claims/resolve?orphan="+url.QueryEscape(orphan), &out)
	return out, err
}

// Notifications lists a teacher's notifications.
func (c *RESTClient) Notifications(ctx context.Context, teacher string) ([]identity.Notification, error) {
	var out []identity.Notification
	err := c.get(ctx, "/api/notifications?teacher="+url.QueryEscape(teacher), &out)
	return out, err
}

// MarkNotificationRead acknowledges one notification.
func (c *RESTClient) MarkNotificationRead(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("notification id is required")
	}
	return c.post(ctx, "/api/notifications/read", map[string]string{"id": id}, nil)
}
