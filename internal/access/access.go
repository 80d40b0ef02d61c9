// Package access decides which actors may administer a market.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/poolmarket/market-engine/internal/model"
)

var ErrUnauthorized = errors.New("access: actor may not administer this market")

// Authorizer confirms that an actor may close, resolve or archive a market.
type Authorizer interface {
	CanResolve(ctx context.Context, actorID string, m *model.Market) error
}

// Policy allows platform admins on every market and creators on the
// markets they own.
type Policy struct {
	admins map[string]bool
}

// NewPolicy creates a policy with the given admin actor IDs.
func NewPolicy(adminIDs []string) *Policy {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		if id != "" {
			admins[id] = true
		}
	}
	return &Policy{admins: admins}
}

// IsAdmin reports whether actorID is a platform admin.
func (p *Policy) IsAdmin(actorID string) bool {
	return p.admins[actorID]
}

func (p *Policy) CanResolve(_ context.Context, actorID string, m *model.Market) error {
	if actorID == "" {
		return fmt.Errorf("%w: missing actor", ErrUnauthorized)
	}
	if p.admins[actorID] {
		return nil
	}
	if m.CreatorRole == model.RoleCreator && m.CreatorID == actorID {
		return nil
	}
	return fmt.Errorf("%w: %s on %s", ErrUnauthorized, actorID, m.ID)
}
