// Package postgres implements the domain repositories on PostgreSQL.
//
// Expected schema:
//
//	accounts        (account_id TEXT PRIMARY KEY, handle TEXT NOT NULL)
//	follows         (channel_id TEXT, guild_id TEXT, account_id TEXT REFERENCES accounts ON DELETE CASCADE,
//	                 added_at TIMESTAMPTZ NOT NULL, PRIMARY KEY (channel_id, account_id))
//	guilds          (guild_id TEXT PRIMARY KEY, follow_limit INT NOT NULL)
//	guild_filters   (guild_id TEXT PRIMARY KEY, media_only BOOLEAN NOT NULL)
//	channel_filters (channel_id TEXT PRIMARY KEY, guild_id TEXT NOT NULL, media_only BOOLEAN NOT NULL)
//	account_filters (guild_id TEXT, account_id TEXT, media_only BOOLEAN NOT NULL,
//	                 PRIMARY KEY (guild_id, account_id))
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blackmichael/fansite-mirror/internal/domain"
	_ "github.com/lib/pq"
)

// Repository implements domain.FollowRepository, domain.QuotaRepository and
// domain.FilterRepository using PostgreSQL.
type Repository struct {
	db *sql.DB

	// defaultFollowLimit seeds the guild row on first sight.
	defaultFollowLimit int
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string, defaultFollowLimit int) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db, defaultFollowLimit: defaultFollowLimit}, nil
}

// Close closes the underlying database connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertAccount inserts an account or refreshes its handle.
func (r *Repository) UpsertAccount(ctx context.Context, account domain.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, handle)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET handle = $2`,
		account.ID, account.Handle,
	)
	return err
}

// AccountIDByHandle looks up an account ID from the stored handle cache.
func (r *Repository) AccountIDByHandle(ctx context.Context, handle string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT account_id FROM accounts WHERE handle = $1`, handle,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// UpdateHandle rewrites the stored handle for an account.
func (r *Repository) UpdateHandle(ctx context.Context, accountID, handle string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET handle = $1 WHERE account_id = $2`, handle, accountID,
	)
	return err
}

// DeleteAccount removes an account; follows cascade.
func (r *Repository) DeleteAccount(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE account_id = $1`, accountID,
	)
	return err
}

// CreateFollow inserts a follow.
func (r *Repository) CreateFollow(ctx context.Context, follow domain.Follow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO follows (channel_id, guild_id, account_id, added_at)
		VALUES ($1, $2, $3, $4)`,
		follow.ChannelID, follow.GuildID, follow.AccountID, follow.AddedAt,
	)
	return err
}

// DeleteFollow removes one follow.
func (r *Repository) DeleteFollow(ctx context.Context, channelID, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE channel_id = $1 AND account_id = $2`,
		channelID, accountID,
	)
	return err
}

// DeleteFollowsByChannel removes every follow pointing at a channel.
func (r *Repository) DeleteFollowsByChannel(ctx context.Context, channelID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE channel_id = $1`, channelID,
	)
	return err
}

// DeleteFollowsByGuild removes every follow within a guild.
func (r *Repository) DeleteFollowsByGuild(ctx context.Context, guildID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE guild_id = $1`, guildID,
	)
	return err
}

// ChannelAccountIDs returns the account IDs followed by one channel.
func (r *Repository) ChannelAccountIDs(ctx context.Context, channelID string) ([]string, error) {
	return r.stringColumn(ctx,
		`SELECT account_id FROM follows WHERE channel_id = $1`, channelID)
}

// ChannelsForAccount returns the channel IDs subscribed to an account.
func (r *Repository) ChannelsForAccount(ctx context.Context, accountID string) ([]string, error) {
	return r.stringColumn(ctx,
		`SELECT DISTINCT channel_id FROM follows WHERE account_id = $1`, accountID)
}

// DistinctAccountIDs returns every distinct followed account ID.
func (r *Repository) DistinctAccountIDs(ctx context.Context) ([]string, error) {
	return r.stringColumn(ctx, `SELECT DISTINCT account_id FROM follows`)
}

// GuildAccountIDs returns the distinct account IDs followed across a guild.
func (r *Repository) GuildAccountIDs(ctx context.Context, guildID string) ([]string, error) {
	return r.stringColumn(ctx,
		`SELECT DISTINCT account_id FROM follows WHERE guild_id = $1`, guildID)
}

// ListFollows returns follows with handles for a guild, optionally narrowed
// to one channel.
func (r *Repository) ListFollows(ctx context.Context, guildID, channelID string) ([]domain.FollowRecord, error) {
	query := `
		SELECT f.channel_id, f.guild_id, f.account_id, a.handle, f.added_at
		FROM follows f JOIN accounts a ON a.account_id = f.account_id
		WHERE f.guild_id = $1`
	args := []any{guildID}
	if channelID != "" {
		query += ` AND f.channel_id = $2`
		args = append(args, channelID)
	}
	query += ` ORDER BY f.channel_id, f.added_at DESC`

	return r.followRecords(ctx, query, args...)
}

// AllFollows returns every follow with its stored handle.
func (r *Repository) AllFollows(ctx context.Context) ([]domain.FollowRecord, error) {
	return r.followRecords(ctx, `
		SELECT f.channel_id, f.guild_id, f.account_id, a.handle, f.added_at
		FROM follows f JOIN accounts a ON a.account_id = f.account_id`)
}

// FollowLimit returns the guild's follow limit, seeding the default on
// first sight.
func (r *Repository) FollowLimit(ctx context.Context, guildID string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guilds (guild_id, follow_limit)
		VALUES ($1, $2)
		ON CONFLICT (guild_id) DO NOTHING`,
		guildID, r.defaultFollowLimit,
	)
	if err != nil {
		return 0, fmt.Errorf("seed guild: %w", err)
	}

	var limit int
	err = r.db.QueryRowContext(ctx,
		`SELECT follow_limit FROM guilds WHERE guild_id = $1`, guildID,
	).Scan(&limit)
	return limit, err
}

// SetFollowLimit rewrites the guild's follow limit.
func (r *Repository) SetFollowLimit(ctx context.Context, guildID string, limit int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guilds (guild_id, follow_limit)
		VALUES ($1, $2)
		ON CONFLICT (guild_id) DO UPDATE SET follow_limit = $2`,
		guildID, limit,
	)
	return err
}

// GuildMediaOnly returns the guild-scope media-only override, nil when unset.
func (r *Repository) GuildMediaOnly(ctx context.Context, guildID string) (*bool, error) {
	return r.boolLookup(ctx,
		`SELECT media_only FROM guild_filters WHERE guild_id = $1`, guildID)
}

// ChannelMediaOnly returns the channel-scope media-only override, nil when unset.
func (r *Repository) ChannelMediaOnly(ctx context.Context, channelID string) (*bool, error) {
	return r.boolLookup(ctx,
		`SELECT media_only FROM channel_filters WHERE channel_id = $1`, channelID)
}

// AccountMediaOnly returns the account-in-guild media-only override, nil when unset.
func (r *Repository) AccountMediaOnly(ctx context.Context, guildID, accountID string) (*bool, error) {
	return r.boolLookup(ctx,
		`SELECT media_only FROM account_filters WHERE guild_id = $1 AND account_id = $2`,
		guildID, accountID)
}

// SetGuildMediaOnly upserts the guild-scope media-only rule.
func (r *Repository) SetGuildMediaOnly(ctx context.Context, guildID string, value bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guild_filters (guild_id, media_only)
		VALUES ($1, $2)
		ON CONFLICT (guild_id) DO UPDATE SET media_only = $2`,
		guildID, value,
	)
	return err
}

// SetChannelMediaOnly upserts the channel-scope media-only rule.
func (r *Repository) SetChannelMediaOnly(ctx context.Context, channelID, guildID string, value bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_filters (channel_id, guild_id, media_only)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id) DO UPDATE SET media_only = $3`,
		channelID, guildID, value,
	)
	return err
}

// SetAccountMediaOnly upserts the account-in-guild media-only rule.
func (r *Repository) SetAccountMediaOnly(ctx context.Context, guildID, accountID string, value bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_filters (guild_id, account_id, media_only)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, account_id) DO UPDATE SET media_only = $3`,
		guildID, accountID, value,
	)
	return err
}

// ListGuildFilters returns every filter rule scoped to a guild.
func (r *Repository) ListGuildFilters(ctx context.Context, guildID string) ([]domain.FilterSetting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT 'guild', '', media_only FROM guild_filters WHERE guild_id = $1
		UNION ALL
		SELECT 'channel', channel_id, media_only FROM channel_filters WHERE guild_id = $1
		UNION ALL
		SELECT 'account', account_id, media_only FROM account_filters WHERE guild_id = $1`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []domain.FilterSetting
	for rows.Next() {
		var s domain.FilterSetting
		if err := rows.Scan(&s.Scope, &s.Key, &s.MediaOnly); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// ClearGuildFilters removes every filter rule scoped to a guild.
func (r *Repository) ClearGuildFilters(ctx context.Context, guildID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM account_filters WHERE guild_id = $1`,
		`DELETE FROM channel_filters WHERE guild_id = $1`,
		`DELETE FROM guild_filters WHERE guild_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, guildID); err != nil {
			return fmt.Errorf("clear filters: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (r *Repository) followRecords(ctx context.Context, query string, args ...any) ([]domain.FollowRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.FollowRecord
	for rows.Next() {
		var rec domain.FollowRecord
		if err := rows.Scan(&rec.ChannelID, &rec.GuildID, &rec.AccountID, &rec.Handle, &rec.AddedAt); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) boolLookup(ctx context.Context, query string, args ...any) (*bool, error) {
	var value bool
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
