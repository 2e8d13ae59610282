package domain

import "time"

// Account is a monitored social-media identity.
type Account struct {
	// ID is the upstream numeric identifier, treated as opaque.
	ID string

	// Handle is the human-readable name. Accounts can rename, so the stored
	// handle is refreshed whenever the upstream reports a different one.
	Handle string
}

// Follow binds one account to one destination channel.
type Follow struct {
	ChannelID string
	GuildID   string
	AccountID string
	AddedAt   time.Time
}

// FollowRecord is a follow joined with the stored handle of its account,
// used by listings and by the purge pass.
type FollowRecord struct {
	ChannelID string
	GuildID   string
	AccountID string
	Handle    string
	AddedAt   time.Time
}

// Destination is a messaging channel that receives rendered posts. It is
// owned by the messaging platform and merely referenced here.
type Destination struct {
	ChannelID string
	GuildID   string
	Name      string

	// MaxAttachmentBytes is the platform's attachment size ceiling for this
	// destination. Media at or over this size is linked instead of attached.
	MaxAttachmentBytes int64
}

// MediaKind classifies an attached media item.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// MediaVariant is one encoding of a video attachment.
type MediaVariant struct {
	ContentType string
	Bitrate     int
	URL         string
}

// MediaItem is one attachment on a post. Photos carry URL directly; videos
// carry the available variants and the best one is selected at render time.
type MediaItem struct {
	Kind     MediaKind
	URL      string
	Variants []MediaVariant
}

// URLEntity is a span of post text occupied by a shortened link token.
type URLEntity struct {
	Start    int
	End      int
	Expanded string

	// MediaKey is non-empty when the link is a placeholder for an attached
	// media item rather than a real external target.
	MediaKey string
}

// IncomingPost is a post received from the live feed or fetched manually.
// It lives only for the duration of one pipeline pass and is never persisted.
type IncomingPost struct {
	ID           string
	AuthorID     string
	AuthorHandle string
	CreatedAt    time.Time
	Text         string
	URLs         []URLEntity
	Media        []MediaItem

	// Permalink is the public URL of the post.
	Permalink string

	// ReplyTo is the permalink of the conversation this post replies to,
	// empty when the post starts its own conversation.
	ReplyTo string
}

// HasMedia reports whether the post carries at least one attachment.
func (p *IncomingPost) HasMedia() bool {
	return len(p.Media) > 0
}

// FilterSetting is one stored media-only rule. Key is the channel ID for
// channel scope, the account ID for account scope, and empty for guild
// scope.
type FilterSetting struct {
	Scope     FilterScope
	Key       string
	MediaOnly bool
}

// SubscriptionRule is a server-side filter expression active on the
// streaming service. Rules are derived from the follow set and mirrored
// remotely; they are never persisted locally.
type SubscriptionRule struct {
	ID    string
	Value string
}

// RuleProblem describes one rule expression the streaming service rejected
// during an add operation.
type RuleProblem struct {
	Value  string
	Detail string
}

// Attachment is a downloaded media file ready to send.
type Attachment struct {
	Name string
	Data []byte
}

// LinkButton is a link-style call-to-action under an outgoing message.
type LinkButton struct {
	Label string
	URL   string
}

// OutgoingMessage is one rendered message bound for a destination.
type OutgoingMessage struct {
	Content     string
	Body        string
	Attachments []Attachment
	Button      *LinkButton
}
