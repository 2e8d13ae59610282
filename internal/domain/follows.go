package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// userLookupChunk is the upstream's batch size for resolving account IDs.
const userLookupChunk = 100

// FollowService owns the follow set: quota-checked batch adds, batch
// removals, guild unlocks, and the purge pass that drops follows whose
// destinations or accounts no longer resolve.
type FollowService struct {
	follows   FollowRepository
	quotas    QuotaRepository
	users     UserDirectory
	messenger Messenger
	logger    *slog.Logger

	// unlockedLimit is the follow limit applied by UnlockGuild.
	unlockedLimit int
}

// NewFollowService creates a FollowService.
func NewFollowService(
	follows FollowRepository,
	quotas QuotaRepository,
	users UserDirectory,
	messenger Messenger,
	unlockedLimit int,
	logger *slog.Logger,
) *FollowService {
	return &FollowService{
		follows:       follows,
		quotas:        quotas,
		users:         users,
		messenger:     messenger,
		logger:        logger,
		unlockedLimit: unlockedLimit,
	}
}

// FollowOutcome is the per-item result of a batch add or remove.
type FollowOutcome struct {
	Handle string
	Err    error
}

// AddFollows follows the given handles on a destination. Each handle gets
// its own outcome: unresolvable handles, duplicates and quota rejections
// fail individually without aborting the rest of the batch.
func (s *FollowService) AddFollows(ctx context.Context, dest Destination, handles []string) ([]FollowOutcome, error) {
	current, err := s.follows.ChannelAccountIDs(ctx, dest.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("list channel follows: %w", err)
	}
	followed := make(map[string]bool, len(current))
	for _, id := range current {
		followed[id] = true
	}

	limit, err := s.quotas.FollowLimit(ctx, dest.GuildID)
	if err != nil {
		return nil, fmt.Errorf("get follow limit: %w", err)
	}
	guildIDs, err := s.follows.GuildAccountIDs(ctx, dest.GuildID)
	if err != nil {
		return nil, fmt.Errorf("list guild follows: %w", err)
	}
	guildAccounts := make(map[string]bool, len(guildIDs))
	for _, id := range guildIDs {
		guildAccounts[id] = true
	}

	now := time.Now().UTC()
	outcomes := make([]FollowOutcome, 0, len(handles))
	for _, handle := range handles {
		outcomes = append(outcomes, FollowOutcome{
			Handle: handle,
			Err:    s.addOne(ctx, dest, handle, now, followed, guildAccounts, limit),
		})
	}
	return outcomes, nil
}

func (s *FollowService) addOne(
	ctx context.Context,
	dest Destination,
	handle string,
	now time.Time,
	followed map[string]bool,
	guildAccounts map[string]bool,
	limit int,
) error {
	account, err := s.users.UserByHandle(ctx, handle)
	if err != nil {
		return fmt.Errorf("resolve handle: %w", err)
	}
	if followed[account.ID] {
		return ErrAlreadyFollowed
	}
	// quota counts distinct accounts per guild, so a second channel
	// following an account the guild already tracks is free
	if !guildAccounts[account.ID] && len(guildAccounts) >= limit {
		return &QuotaError{Limit: limit}
	}

	if err := s.follows.UpsertAccount(ctx, account); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	if err := s.follows.CreateFollow(ctx, Follow{
		ChannelID: dest.ChannelID,
		GuildID:   dest.GuildID,
		AccountID: account.ID,
		AddedAt:   now,
	}); err != nil {
		return fmt.Errorf("create follow: %w", err)
	}

	followed[account.ID] = true
	guildAccounts[account.ID] = true
	s.logger.Info("follow added",
		"handle", account.Handle,
		"account_id", account.ID,
		"channel_id", dest.ChannelID,
	)
	return nil
}

// RemoveFollows unfollows the given handles on a channel. Handles the
// upstream no longer resolves (renamed or deleted accounts) fall back to
// the stored handle cache so stale follows can still be removed.
func (s *FollowService) RemoveFollows(ctx context.Context, channelID string, handles []string) ([]FollowOutcome, error) {
	current, err := s.follows.ChannelAccountIDs(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel follows: %w", err)
	}
	followed := make(map[string]bool, len(current))
	for _, id := range current {
		followed[id] = true
	}

	outcomes := make([]FollowOutcome, 0, len(handles))
	for _, handle := range handles {
		outcomes = append(outcomes, FollowOutcome{
			Handle: handle,
			Err:    s.removeOne(ctx, channelID, handle, followed),
		})
	}
	return outcomes, nil
}

func (s *FollowService) removeOne(ctx context.Context, channelID, handle string, followed map[string]bool) error {
	accountID := ""
	account, err := s.users.UserByHandle(ctx, handle)
	if err == nil {
		accountID = account.ID
	} else {
		// account may have renamed since it was followed
		cached, cacheErr := s.follows.AccountIDByHandle(ctx, handle)
		if cacheErr != nil {
			return fmt.Errorf("look up cached handle: %w", cacheErr)
		}
		if cached == "" {
			return fmt.Errorf("resolve handle: %w", err)
		}
		accountID = cached
	}

	if !followed[accountID] {
		return ErrNotFollowed
	}
	if err := s.follows.DeleteFollow(ctx, channelID, accountID); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	delete(followed, accountID)
	s.logger.Info("follow removed", "handle", handle, "account_id", accountID, "channel_id", channelID)
	return nil
}

// ListFollows returns the follows of a guild, optionally narrowed to one
// channel.
func (s *FollowService) ListFollows(ctx context.Context, guildID, channelID string) ([]FollowRecord, error) {
	return s.follows.ListFollows(ctx, guildID, channelID)
}

// AccountIDByHandle resolves a handle against the stored handle cache.
// Returns an empty string when the handle is unknown.
func (s *FollowService) AccountIDByHandle(ctx context.Context, handle string) (string, error) {
	return s.follows.AccountIDByHandle(ctx, handle)
}

// UnlockGuild raises the guild's follow limit to the unlocked tier.
func (s *FollowService) UnlockGuild(ctx context.Context, guildID string) error {
	if err := s.quotas.SetFollowLimit(ctx, guildID, s.unlockedLimit); err != nil {
		return fmt.Errorf("unlock guild: %w", err)
	}
	s.logger.Info("guild unlocked", "guild_id", guildID, "limit", s.unlockedLimit)
	return nil
}

// Purge drops follows whose guilds or channels no longer resolve, drops
// accounts the upstream says no longer exist, and refreshes renamed handles.
// It returns a human-readable line per action taken.
func (s *FollowService) Purge(ctx context.Context) ([]string, error) {
	records, err := s.follows.AllFollows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}

	var actions []string
	deadGuilds := make(map[string]bool)
	guildAlive := make(map[string]bool)
	deadChannels := make(map[string]bool)
	channelAlive := make(map[string]bool)
	handles := make(map[string]string)

	for _, rec := range records {
		alive, seen := guildAlive[rec.GuildID]
		if !seen {
			err := s.messenger.ResolveGuild(ctx, rec.GuildID)
			switch {
			case err == nil:
				alive = true
			case errors.Is(err, ErrUnknownGuild):
				alive = false
			default:
				// transient resolution failure, leave the follows alone
				s.logger.Warn("guild resolution failed, skipping", "guild_id", rec.GuildID, "error", err)
				alive = true
			}
			guildAlive[rec.GuildID] = alive
		}
		if !alive {
			if !deadGuilds[rec.GuildID] {
				deadGuilds[rec.GuildID] = true
				actions = append(actions, fmt.Sprintf("guild %s no longer exists", rec.GuildID))
			}
			continue
		}

		alive, seen = channelAlive[rec.ChannelID]
		if !seen {
			_, err := s.messenger.ResolveChannel(ctx, rec.ChannelID)
			switch {
			case err == nil:
				alive = true
			case errors.Is(err, ErrUnknownChannel):
				alive = false
			default:
				s.logger.Warn("channel resolution failed, skipping", "channel_id", rec.ChannelID, "error", err)
				alive = true
			}
			channelAlive[rec.ChannelID] = alive
		}
		if !alive {
			if !deadChannels[rec.ChannelID] {
				deadChannels[rec.ChannelID] = true
				actions = append(actions, fmt.Sprintf("channel %s no longer exists", rec.ChannelID))
			}
			continue
		}
		handles[rec.AccountID] = rec.Handle
	}

	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	for start := 0; start < len(ids); start += userLookupChunk {
		end := min(start+userLookupChunk, len(ids))
		found, missing, err := s.users.UsersByID(ctx, ids[start:end])
		if err != nil {
			return actions, fmt.Errorf("resolve accounts: %w", err)
		}
		for _, id := range missing {
			if err := s.follows.DeleteAccount(ctx, id); err != nil {
				return actions, fmt.Errorf("delete account %s: %w", id, err)
			}
			actions = append(actions, fmt.Sprintf("account %s (@%s) no longer exists", id, handles[id]))
		}
		for _, account := range found {
			if handles[account.ID] == account.Handle {
				continue
			}
			if err := s.follows.UpdateHandle(ctx, account.ID, account.Handle); err != nil {
				return actions, fmt.Errorf("update handle for %s: %w", account.ID, err)
			}
			actions = append(actions, fmt.Sprintf("account %s renamed @%s to @%s", account.ID, handles[account.ID], account.Handle))
		}
	}

	for guildID := range deadGuilds {
		if err := s.follows.DeleteFollowsByGuild(ctx, guildID); err != nil {
			return actions, fmt.Errorf("delete follows for guild %s: %w", guildID, err)
		}
	}
	for channelID := range deadChannels {
		if err := s.follows.DeleteFollowsByChannel(ctx, channelID); err != nil {
			return actions, fmt.Errorf("delete follows for channel %s: %w", channelID, err)
		}
	}

	return actions, nil
}
