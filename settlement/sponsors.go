package settlement

import (
	"context"
	"errors"
)

// SponsorResolver walks referredBy links to build the sponsor chain.
type SponsorResolver struct {
	Store RecordStore
	Retry RetryPolicy
}

// Resolve returns up to depth sponsors of u, direct referrer first.
// A missing user, an empty link, a self-reference or a cycle ends the
// chain early without error. Transient failures are retried; when retries
// run out the chain found so far is returned along with the error.
func (r *SponsorResolver) Resolve(ctx context.Context, u User, depth int) ([]UserID, error) {
	seen := map[UserID]bool{u.ID: true}
	var chain []UserID

	next := u.ReferredBy
	for len(chain) < depth && next != "" && !seen[next] {
		var sponsor User
		err := r.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			sponsor, err = r.Store.GetUser(ctx, next)
			return err
		})
		if errors.Is(err, ErrUserNotFound) {
			break
		}
		if err != nil {
			return chain, err
		}
		seen[sponsor.ID] = true
		chain = append(chain, sponsor.ID)
		next = sponsor.ReferredBy
	}
	return chain, nil
}
