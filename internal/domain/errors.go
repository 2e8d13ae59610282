package domain

import (
	"errors"
	"fmt"
)

// ErrNoMedia is returned by a manual fetch when a media-only rule applies
// and the post has no attachments. Live-feed posts are skipped silently in
// the same situation.
var ErrNoMedia = errors.New("post has no media")

// ErrAlreadyFollowed rejects a duplicate follow for the same channel.
var ErrAlreadyFollowed = errors.New("account already followed on this channel")

// ErrNotFollowed rejects a removal of a follow that does not exist.
var ErrNotFollowed = errors.New("account is not followed on this channel")

// ErrUnknownChannel is returned when the messaging platform cannot resolve
// a channel, typically because it was deleted.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrUnknownGuild is returned when the messaging platform cannot resolve a
// guild, typically because the bot was removed from it.
var ErrUnknownGuild = errors.New("unknown guild")

// QuotaError rejects a follow that would exceed the guild's follow limit.
type QuotaError struct {
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("guild follow limit reached (%d)", e.Limit)
}
