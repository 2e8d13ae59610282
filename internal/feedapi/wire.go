package feedapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// Envelope is the raw JSON payload carrying one post, as delivered both by
// the live stream and by the single-post lookup endpoint.
type Envelope struct {
	Data     postJSON     `json:"data"`
	Includes includesJSON `json:"includes"`
}

type postJSON struct {
	ID             string           `json:"id"`
	Text           string           `json:"text"`
	AuthorID       string           `json:"author_id"`
	CreatedAt      string           `json:"created_at"`
	ConversationID string           `json:"conversation_id"`
	Entities       *entitiesJSON    `json:"entities,omitempty"`
	Attachments    *attachmentsJSON `json:"attachments,omitempty"`
}

type entitiesJSON struct {
	URLs []urlJSON `json:"urls"`
}

type urlJSON struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	ExpandedURL string `json:"expanded_url"`
	MediaKey    string `json:"media_key,omitempty"`
}

type attachmentsJSON struct {
	MediaKeys []string `json:"media_keys"`
}

type includesJSON struct {
	Users []userJSON  `json:"users"`
	Media []mediaJSON `json:"media"`
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type mediaJSON struct {
	MediaKey string        `json:"media_key"`
	Type     string        `json:"type"`
	URL      string        `json:"url"`
	Variants []variantJSON `json:"variants,omitempty"`
}

type variantJSON struct {
	ContentType string `json:"content_type"`
	BitRate     int    `json:"bit_rate"`
	URL         string `json:"url"`
}

// ParseEnvelope decodes a raw post payload into a domain post. publicBase is
// the public site used to build permalinks.
func ParseEnvelope(data []byte, publicBase string) (domain.IncomingPost, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.IncomingPost{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Post(publicBase)
}

// Post converts the envelope into a domain post.
func (e *Envelope) Post(publicBase string) (domain.IncomingPost, error) {
	if e.Data.ID == "" {
		return domain.IncomingPost{}, fmt.Errorf("envelope carries no post")
	}

	createdAt, err := time.Parse(time.RFC3339, e.Data.CreatedAt)
	if err != nil {
		return domain.IncomingPost{}, fmt.Errorf("parse created_at %q: %w", e.Data.CreatedAt, err)
	}

	handle := ""
	for _, u := range e.Includes.Users {
		if u.ID == e.Data.AuthorID {
			handle = u.Username
			break
		}
	}
	if handle == "" {
		return domain.IncomingPost{}, fmt.Errorf("author %s missing from includes", e.Data.AuthorID)
	}

	post := domain.IncomingPost{
		ID:           e.Data.ID,
		AuthorID:     e.Data.AuthorID,
		AuthorHandle: handle,
		CreatedAt:    createdAt,
		Text:         e.Data.Text,
		Permalink:    fmt.Sprintf("%s/%s/status/%s", publicBase, handle, e.Data.ID),
	}

	if e.Data.ConversationID != "" && e.Data.ConversationID != e.Data.ID {
		post.ReplyTo = fmt.Sprintf("%s/i/status/%s", publicBase, e.Data.ConversationID)
	}

	if e.Data.Entities != nil {
		for _, u := range e.Data.Entities.URLs {
			post.URLs = append(post.URLs, domain.URLEntity{
				Start:    u.Start,
				End:      u.End,
				Expanded: u.ExpandedURL,
				MediaKey: u.MediaKey,
			})
		}
	}

	if e.Data.Attachments != nil {
		byKey := make(map[string]mediaJSON, len(e.Includes.Media))
		for _, m := range e.Includes.Media {
			byKey[m.MediaKey] = m
		}
		for _, key := range e.Data.Attachments.MediaKeys {
			m, ok := byKey[key]
			if !ok {
				continue
			}
			post.Media = append(post.Media, toMediaItem(m))
		}
	}

	return post, nil
}

func toMediaItem(m mediaJSON) domain.MediaItem {
	if m.Type == "photo" {
		return domain.MediaItem{Kind: domain.MediaPhoto, URL: m.URL}
	}

	// videos and animated gifs both ship mp4 variants
	item := domain.MediaItem{Kind: domain.MediaVideo, URL: m.URL}
	for _, v := range m.Variants {
		item.Variants = append(item.Variants, domain.MediaVariant{
			ContentType: v.ContentType,
			Bitrate:     v.BitRate,
			URL:         v.URL,
		})
	}
	return item
}
