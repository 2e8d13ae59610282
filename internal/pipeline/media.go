package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// errOversize marks media whose size is at or over the destination's
// attachment cap; the caller falls back to posting the URL as a link.
var errOversize = errors.New("media exceeds attachment cap")

// resolvedMedia is one attachment reduced to a single downloadable URL.
type resolvedMedia struct {
	ext string
	url string
}

// selectMedia picks the concrete URL for every attachment: the original-size
// rendition for photos, and the highest-bitrate video/mp4 variant for videos.
func selectMedia(items []domain.MediaItem) []resolvedMedia {
	var selected []resolvedMedia
	for _, item := range items {
		switch item.Kind {
		case domain.MediaPhoto:
			selected = append(selected, resolvedMedia{
				ext: photoExtension(item.URL),
				url: originalPhotoURL(item.URL),
			})
		case domain.MediaVideo:
			best := bestVariant(item.Variants)
			if best == "" {
				best = item.URL
			}
			if best == "" {
				continue
			}
			selected = append(selected, resolvedMedia{ext: "mp4", url: best})
		}
	}
	return selected
}

// bestVariant returns the URL of the highest-bitrate video/mp4 encoding,
// or an empty string when none is available.
func bestVariant(variants []domain.MediaVariant) string {
	best := ""
	bestRate := -1
	for _, v := range variants {
		if v.ContentType != "video/mp4" {
			continue
		}
		if v.Bitrate > bestRate {
			bestRate = v.Bitrate
			best = v.URL
		}
	}
	return best
}

// originalPhotoURL rewrites a photo URL to request the original-size
// rendition from the media CDN.
func originalPhotoURL(u string) string {
	base := trimQuery(u)
	if i := strings.LastIndex(base, "."); i > strings.LastIndex(base, "/") {
		return base[:i] + "?format=" + base[i+1:] + "&name=orig"
	}
	return u
}

func photoExtension(u string) string {
	base := trimQuery(u)
	if i := strings.LastIndex(base, "."); i > strings.LastIndex(base, "/") {
		return base[i+1:]
	}
	return "jpg"
}

func trimQuery(u string) string {
	if i := strings.Index(u, "?"); i >= 0 {
		return u[:i]
	}
	return u
}

// downloadMedia fetches one media item subject to the destination's
// attachment cap. A declared Content-Length at or over the cap skips the
// download entirely; an undeclared length is accumulated until it would
// cross the cap. Both cases return errOversize.
func (r *Renderer) downloadMedia(ctx context.Context, mediaURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}

	if resp.ContentLength >= 0 && resp.ContentLength >= maxBytes {
		return nil, errOversize
	}

	// no declared length: stream and abort once the cap would be crossed
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errOversize
	}
	return data, nil
}

// downloadAll fetches every selected media item concurrently, returning
// attachments that fit under the cap and fallback URLs for the rest.
// Result order follows the attachment order on the post.
func (r *Renderer) downloadAll(ctx context.Context, post *domain.IncomingPost, media []resolvedMedia, maxBytes int64) ([]domain.Attachment, []string) {
	type result struct {
		attachment *domain.Attachment
		fallback   string
	}

	results := make([]result, len(media))
	done := make(chan int, len(media))
	for i, m := range media {
		go func(i int, m resolvedMedia) {
			defer func() { done <- i }()

			name := fmt.Sprintf("%s-@%s-%s-%d.%s",
				post.CreatedAt.Format("060102"), post.AuthorHandle, post.ID, i+1, m.ext)

			data, err := r.downloadMedia(ctx, m.url, maxBytes)
			switch {
			case err == nil:
				results[i] = result{attachment: &domain.Attachment{Name: name, Data: data}}
			case errors.Is(err, errOversize):
				results[i] = result{fallback: m.url}
			default:
				r.logger.Error("media download failed", "url", m.url, "error", err)
				results[i] = result{fallback: m.url}
			}
		}(i, m)
	}
	for range media {
		<-done
	}

	var attachments []domain.Attachment
	var fallbacks []string
	for _, res := range results {
		if res.attachment != nil {
			attachments = append(attachments, *res.attachment)
		} else if res.fallback != "" {
			fallbacks = append(fallbacks, res.fallback)
		}
	}
	return attachments, fallbacks
}
