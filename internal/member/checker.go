// Package member provides the membership collaborator the sync core
// authorizes against: whether a person belongs to the site owning a study
// design. Checks run on every inbound frame, so an optional short-TTL cache
// can sit in front of the store.
package member

import "context"

type Checker interface {
	IsMember(ctx context.Context, personID, siteID string) (bool, error)
}

// Func adapts a plain function to a Checker.
type Func func(ctx context.Context, personID, siteID string) (bool, error)

func (f Func) IsMember(ctx context.Context, personID, siteID string) (bool, error) {
	return f(ctx, personID, siteID)
}
