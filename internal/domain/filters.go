package domain

import "context"

// OverrideLookup reports one scope's media-only opinion for a post author in
// a destination. A nil result means the scope has nothing configured.
type OverrideLookup func(ctx context.Context, dest Destination, accountID string) (*bool, error)

// FilterResolver answers the layered media-only question by querying scopes
// in priority order and stopping at the first non-nil opinion. Adding a new
// scope is a matter of inserting another lookup, not new branching.
type FilterResolver struct {
	lookups []OverrideLookup
}

// NewFilterResolver builds the standard resolver with precedence
// account > channel > guild > default (show everything).
func NewFilterResolver(filters FilterRepository) *FilterResolver {
	return &FilterResolver{
		lookups: []OverrideLookup{
			func(ctx context.Context, dest Destination, accountID string) (*bool, error) {
				return filters.AccountMediaOnly(ctx, dest.GuildID, accountID)
			},
			func(ctx context.Context, dest Destination, _ string) (*bool, error) {
				return filters.ChannelMediaOnly(ctx, dest.ChannelID)
			},
			func(ctx context.Context, dest Destination, _ string) (*bool, error) {
				return filters.GuildMediaOnly(ctx, dest.GuildID)
			},
		},
	}
}

// MediaOnly resolves the effective media-only flag for posts from the given
// account delivered to the given destination.
func (r *FilterResolver) MediaOnly(ctx context.Context, dest Destination, accountID string) (bool, error) {
	for _, lookup := range r.lookups {
		v, err := lookup(ctx, dest, accountID)
		if err != nil {
			return false, err
		}
		if v != nil {
			return *v, nil
		}
	}
	return false, nil
}
