// Package messenger is a client for the messaging platform the rendered
// posts are delivered to.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// Client is a minimal messaging-platform API client authenticated with a
// bot token.
type Client struct {
	base       string
	token      string
	httpClient *http.Client
}

// NewClient creates a new messaging platform client.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type channelResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	GuildID         string `json:"guild_id"`
	AttachmentLimit int64  `json:"attachment_limit"`
}

// ResolveChannel resolves a channel ID to a destination. A 404 from the
// platform means the channel was deleted and maps to ErrUnknownChannel.
func (c *Client) ResolveChannel(ctx context.Context, channelID string) (domain.Destination, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/channels/"+url.PathEscape(channelID), nil)
	if err != nil {
		return domain.Destination{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Destination{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Destination{}, domain.ErrUnknownChannel
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Destination{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Destination{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ch channelResponse
	if err := json.Unmarshal(body, &ch); err != nil {
		return domain.Destination{}, fmt.Errorf("unmarshal response: %w", err)
	}

	return domain.Destination{
		ChannelID:          ch.ID,
		GuildID:            ch.GuildID,
		Name:               ch.Name,
		MaxAttachmentBytes: ch.AttachmentLimit,
	}, nil
}

// ResolveGuild checks that a guild still exists. A 404 from the platform
// maps to ErrUnknownGuild.
func (c *Client) ResolveGuild(ctx context.Context, guildID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/guilds/"+url.PathEscape(guildID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrUnknownGuild
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

type messagePayload struct {
	Content string         `json:"content,omitempty"`
	Embed   *embedPayload  `json:"embed,omitempty"`
	Button  *buttonPayload `json:"button,omitempty"`
}

type embedPayload struct {
	Description string `json:"description"`
}

type buttonPayload struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// SendMessage delivers one rendered message. Messages with attachments are
// sent as multipart/form-data with the JSON payload in a payload_json part;
// plain messages go as JSON.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg domain.OutgoingMessage) error {
	payload := messagePayload{Content: msg.Content}
	if msg.Body != "" {
		payload.Embed = &embedPayload{Description: msg.Body}
	}
	if msg.Button != nil {
		payload.Button = &buttonPayload{Label: msg.Button.Label, URL: msg.Button.URL}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	path := "/api/channels/" + url.PathEscape(channelID) + "/messages"

	var req *http.Request
	if len(msg.Attachments) == 0 {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(encoded))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		if err := form.WriteField("payload_json", string(encoded)); err != nil {
			return fmt.Errorf("write payload part: %w", err)
		}
		for i, att := range msg.Attachments {
			part, err := form.CreateFormFile(fmt.Sprintf("files[%d]", i), att.Name)
			if err != nil {
				return fmt.Errorf("create file part: %w", err)
			}
			if _, err := part.Write(att.Data); err != nil {
				return fmt.Errorf("write file part: %w", err)
			}
		}
		if err := form.Close(); err != nil {
			return fmt.Errorf("finish form: %w", err)
		}

		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", form.FormDataContentType())
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// SetPresence updates the bot's presence text.
func (c *Client) SetPresence(ctx context.Context, activity string) error {
	payload, err := json.Marshal(map[string]string{"activity": activity})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/presence", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
