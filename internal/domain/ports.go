package domain

import "context"

// FollowRepository persists accounts and their channel follows.
type FollowRepository interface {
	// UpsertAccount inserts the account or refreshes its stored handle.
	UpsertAccount(ctx context.Context, account Account) error

	// AccountIDByHandle looks up an account ID from the stored handle cache.
	// Returns an empty string when the handle is unknown.
	AccountIDByHandle(ctx context.Context, handle string) (string, error)

	// UpdateHandle rewrites the stored handle for an account.
	UpdateHandle(ctx context.Context, accountID, handle string) error

	// DeleteAccount removes an account and, through cascading deletes, its
	// follows.
	DeleteAccount(ctx context.Context, accountID string) error

	// CreateFollow inserts a follow. The (channel, account) pair is unique.
	CreateFollow(ctx context.Context, follow Follow) error

	// DeleteFollow removes one follow.
	DeleteFollow(ctx context.Context, channelID, accountID string) error

	// DeleteFollowsByChannel removes every follow pointing at a channel.
	DeleteFollowsByChannel(ctx context.Context, channelID string) error

	// DeleteFollowsByGuild removes every follow within a guild.
	DeleteFollowsByGuild(ctx context.Context, guildID string) error

	// ChannelAccountIDs returns the account IDs followed by one channel.
	ChannelAccountIDs(ctx context.Context, channelID string) ([]string, error)

	// ChannelsForAccount returns the channel IDs subscribed to an account.
	ChannelsForAccount(ctx context.Context, accountID string) ([]string, error)

	// DistinctAccountIDs returns the global tracked follow set: every
	// distinct account ID followed by any channel.
	DistinctAccountIDs(ctx context.Context) ([]string, error)

	// GuildAccountIDs returns the distinct account IDs followed across all
	// channels of a guild. Quota is charged against this set.
	GuildAccountIDs(ctx context.Context, guildID string) ([]string, error)

	// ListFollows returns follows with handles for a guild, optionally
	// narrowed to one channel (empty channelID means the whole guild).
	ListFollows(ctx context.Context, guildID, channelID string) ([]FollowRecord, error)

	// AllFollows returns every follow with its stored handle.
	AllFollows(ctx context.Context) ([]FollowRecord, error)
}

// QuotaRepository persists per-guild follow limits.
type QuotaRepository interface {
	// FollowLimit returns the guild's follow limit, creating the guild row
	// with the default limit on first sight.
	FollowLimit(ctx context.Context, guildID string) (int, error)

	// SetFollowLimit rewrites the guild's follow limit.
	SetFollowLimit(ctx context.Context, guildID string, limit int) error
}

// FilterScope identifies one layer of the media-only configuration.
type FilterScope string

const (
	ScopeGuild   FilterScope = "guild"
	ScopeChannel FilterScope = "channel"
	ScopeAccount FilterScope = "account"
)

// FilterRepository persists layered media-only rules. Lookups return nil
// when the scope has no opinion for the given key.
type FilterRepository interface {
	GuildMediaOnly(ctx context.Context, guildID string) (*bool, error)
	ChannelMediaOnly(ctx context.Context, channelID string) (*bool, error)
	AccountMediaOnly(ctx context.Context, guildID, accountID string) (*bool, error)

	SetGuildMediaOnly(ctx context.Context, guildID string, value bool) error
	SetChannelMediaOnly(ctx context.Context, channelID, guildID string, value bool) error
	SetAccountMediaOnly(ctx context.Context, guildID, accountID string, value bool) error

	// ListGuildFilters returns every filter rule scoped to a guild, across
	// all three scopes.
	ListGuildFilters(ctx context.Context, guildID string) ([]FilterSetting, error)

	// ClearGuildFilters removes every filter rule scoped to a guild.
	ClearGuildFilters(ctx context.Context, guildID string) error
}

// UserDirectory resolves accounts against the upstream social platform.
type UserDirectory interface {
	// UserByHandle resolves a handle to an account.
	UserByHandle(ctx context.Context, handle string) (Account, error)

	// UsersByID resolves a batch of account IDs. IDs the upstream no longer
	// knows are returned in missing rather than failing the call.
	UsersByID(ctx context.Context, ids []string) (found []Account, missing []string, err error)
}

// RuleClient manages the filter rules active on the streaming service.
type RuleClient interface {
	// ActiveRules lists the rules currently applied to the subscription.
	ActiveRules(ctx context.Context) ([]SubscriptionRule, error)

	// AddRules applies new rule expressions. Per-rule rejections are
	// reported in problems and are not fatal.
	AddRules(ctx context.Context, values []string) (problems []RuleProblem, err error)

	// DeleteRules removes rules by ID.
	DeleteRules(ctx context.Context, ids []string) error
}

// Messenger is the messaging platform the rendered posts are delivered to.
type Messenger interface {
	// ResolveChannel resolves a channel ID to a destination. Returns
	// ErrUnknownChannel when the channel no longer exists.
	ResolveChannel(ctx context.Context, channelID string) (Destination, error)

	// ResolveGuild checks that a guild still exists. Returns ErrUnknownGuild
	// when it does not.
	ResolveGuild(ctx context.Context, guildID string) error

	// SendMessage delivers one rendered message to a channel.
	SendMessage(ctx context.Context, channelID string, msg OutgoingMessage) error

	// SetPresence updates the bot's presence text.
	SetPresence(ctx context.Context, activity string) error
}

// PostFetcher fetches a single post by ID for manual rendering.
type PostFetcher interface {
	FetchPost(ctx context.Context, id string) (IncomingPost, error)
}
