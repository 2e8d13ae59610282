package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// dispatchTimeout bounds one post's full render and fan-out.
const dispatchTimeout = 5 * time.Minute

// Dispatcher routes live posts from the feed session into the renderer. Each
// post is handled on its own goroutine by the session, so a slow render here
// never blocks feed ingestion.
type Dispatcher struct {
	follows   domain.FollowRepository
	messenger domain.Messenger
	renderer  *Renderer
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(follows domain.FollowRepository, messenger domain.Messenger, renderer *Renderer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		follows:   follows,
		messenger: messenger,
		renderer:  renderer,
		logger:    logger,
	}
}

// HandlePost resolves the destinations subscribed to the post's author and
// runs the render pipeline against them. Errors are logged, never returned:
// a bad post must not disturb the feed session.
func (d *Dispatcher) HandlePost(post domain.IncomingPost) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	channelIDs, err := d.follows.ChannelsForAccount(ctx, post.AuthorID)
	if err != nil {
		d.logger.Error("destination lookup failed", "post_id", post.ID, "error", err)
		return
	}
	if len(channelIDs) == 0 {
		// rules were broader than the current follow set, nothing to do
		d.logger.Warn("post matched no destinations", "post_id", post.ID, "author_id", post.AuthorID)
		return
	}

	dests := make([]domain.Destination, 0, len(channelIDs))
	for _, id := range channelIDs {
		dest, err := d.messenger.ResolveChannel(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownChannel) {
				d.logger.Warn("channel no longer exists, skipping", "channel_id", id)
			} else {
				d.logger.Error("channel resolution failed", "channel_id", id, "error", err)
			}
			continue
		}
		dests = append(dests, dest)
	}

	if err := d.renderer.RenderAndSend(ctx, post, dests, false); err != nil {
		d.logger.Error("render failed", "post_id", post.ID, "error", err)
	}
}
