// Package pipeline renders incoming posts and fans them out to their
// destination channels: link expansion, media selection, size-capped
// downloads, layered filtering, and message composition.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// Renderer turns one incoming post into zero or more outgoing messages.
type Renderer struct {
	filters    *domain.FilterResolver
	messenger  domain.Messenger
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRenderer creates a Renderer. httpClient is used for media downloads and
// link resolution; nil selects a default with a 60s timeout.
func NewRenderer(filters *domain.FilterResolver, messenger domain.Messenger, httpClient *http.Client, logger *slog.Logger) *Renderer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Renderer{
		filters:    filters,
		messenger:  messenger,
		httpClient: httpClient,
		logger:     logger,
	}
}

// perCap caches one post's download results per attachment-size cap, so
// destinations sharing a cap do not re-download the same media.
type perCap struct {
	attachments []domain.Attachment
	fallbacks   []string
}

// RenderAndSend renders the post once and delivers it to every destination
// that the layered media-only configuration admits. manual marks an
// operator-requested single-post fetch: a media-only skip is then surfaced
// as ErrNoMedia instead of silence. Failures for one destination are logged
// and never block delivery to the others.
func (r *Renderer) RenderAndSend(ctx context.Context, post domain.IncomingPost, dests []domain.Destination, manual bool) error {
	text := expandLinks(post.Text, post.URLs, func(token string) string {
		return r.resolveLink(ctx, token)
	})
	media := selectMedia(post.Media)
	caption := fmt.Sprintf("**@%s** <t:%d:R>", post.AuthorHandle, post.CreatedAt.Unix())

	downloads := make(map[int64]perCap)
	noMedia := false

	for _, dest := range dests {
		mediaOnly, err := r.filters.MediaOnly(ctx, dest, post.AuthorID)
		if err != nil {
			r.logger.Error("filter lookup failed", "channel_id", dest.ChannelID, "error", err)
			continue
		}

		got, ok := downloads[dest.MaxAttachmentBytes]
		if !ok {
			attachments, fallbacks := r.downloadAll(ctx, &post, media, dest.MaxAttachmentBytes)
			got = perCap{attachments: attachments, fallbacks: fallbacks}
			downloads[dest.MaxAttachmentBytes] = got
		}

		if mediaOnly && len(got.attachments) == 0 && len(got.fallbacks) == 0 {
			noMedia = true
			continue
		}

		msg := composeMessage(&post, caption, text, mediaOnly, got)
		if err := r.messenger.SendMessage(ctx, dest.ChannelID, msg); err != nil {
			r.logger.Error("send failed",
				"channel_id", dest.ChannelID,
				"post_id", post.ID,
				"error", err,
			)
			continue
		}
		r.logger.Info("post delivered", "post_id", post.ID, "channel_id", dest.ChannelID)
	}

	if manual && noMedia {
		return domain.ErrNoMedia
	}
	return nil
}

// composeMessage builds the outgoing message: the identifying caption line
// with any oversize fallback links appended, an optional reply indicator,
// the post text unless media-only suppressed it, and the permalink button.
func composeMessage(post *domain.IncomingPost, caption, text string, mediaOnly bool, got perCap) domain.OutgoingMessage {
	content := caption
	if len(got.fallbacks) > 0 {
		content += "\n" + strings.Join(got.fallbacks, "\n")
	}

	var body strings.Builder
	if post.ReplyTo != "" {
		fmt.Fprintf(&body, "> [*replying to*](%s)\n", post.ReplyTo)
	}
	if !mediaOnly && text != "" {
		body.WriteString(text)
	}

	return domain.OutgoingMessage{
		Content:     content,
		Body:        body.String(),
		Attachments: got.attachments,
		Button:      &domain.LinkButton{Label: "View post", URL: post.Permalink},
	}
}

// resolveLink resolves a shortened link token to its final target by
// following redirects. Returns an empty string when resolution fails, which
// keeps the raw token in the text.
func (r *Renderer) resolveLink(ctx context.Context, token string) string {
	target := token
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return ""
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("link resolution failed", "token", token, "error", err)
		return ""
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}
	return resp.Request.URL.String()
}
