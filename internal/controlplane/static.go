package controlplane

import (
	"context"

	"github.com/realcast/chatcore/internal/domain"
)

// StaticRoles is an in-process role table for single-box deployments without
// a control plane. The map key is "room/user".
type StaticRoles struct {
	Moderators map[string]bool
}

func (s *StaticRoles) IsModerator(_ context.Context, _, roomID, userID string) (bool, error) {
	return s.Moderators[roomID+"/"+userID], nil
}

// StaticSubscriptions serves a fixed subscription list, used when no control
// plane is configured.
type StaticSubscriptions struct {
	Subscriptions []domain.Subscription
}

func (s *StaticSubscriptions) ListSubscriptions(_ context.Context, tenantID string, kind domain.EventKind) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range s.Subscriptions {
		if sub.TenantID == tenantID && sub.Subscribed(kind) {
			out = append(out, sub)
		}
	}
	return out, nil
}
