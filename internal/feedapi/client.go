// Package feedapi is a client for the streaming service's control plane:
// subscription rule management, single-post lookup, and user lookup.
package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// Client is a minimal feed API client authenticated with a bearer token.
type Client struct {
	base       string
	publicBase string
	token      string
	httpClient *http.Client
}

// NewClient creates a new feed API client. publicBase is the public site
// used to build post permalinks.
func NewClient(base, publicBase, token string) *Client {
	return &Client{
		base:       strings.TrimSuffix(base, "/"),
		publicBase: strings.TrimSuffix(publicBase, "/"),
		token:      token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ruleJSON struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
}

type ruleProblemJSON struct {
	Value  string `json:"value"`
	Detail string `json:"detail"`
}

type rulesResponse struct {
	Data   []ruleJSON        `json:"data"`
	Errors []ruleProblemJSON `json:"errors"`
}

// ActiveRules lists the rules currently applied to the subscription.
func (c *Client) ActiveRules(ctx context.Context) ([]domain.SubscriptionRule, error) {
	var resp rulesResponse
	if err := c.get(ctx, "/v2/stream/rules", &resp); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	rules := make([]domain.SubscriptionRule, 0, len(resp.Data))
	for _, r := range resp.Data {
		rules = append(rules, domain.SubscriptionRule{ID: r.ID, Value: r.Value})
	}
	return rules, nil
}

// AddRules applies new rule expressions to the subscription. Rules the
// service rejects individually come back as problems, not as an error.
func (c *Client) AddRules(ctx context.Context, values []string) ([]domain.RuleProblem, error) {
	add := make([]ruleJSON, 0, len(values))
	for _, v := range values {
		add = append(add, ruleJSON{Value: v})
	}

	var resp rulesResponse
	if err := c.post(ctx, "/v2/stream/rules", map[string]any{"add": add}, &resp); err != nil {
		return nil, fmt.Errorf("add rules: %w", err)
	}

	problems := make([]domain.RuleProblem, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		problems = append(problems, domain.RuleProblem{Value: e.Value, Detail: e.Detail})
	}
	return problems, nil
}

// DeleteRules removes rules from the subscription by ID.
func (c *Client) DeleteRules(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"delete": map[string]any{"ids": ids}}
	if err := c.post(ctx, "/v2/stream/rules", body, nil); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	return nil
}

// FetchPost retrieves one post by ID with its author and media expansions.
// The service may answer with the canonical post when the requested ID was
// a repost pointer; callers can detect this by comparing IDs.
func (c *Client) FetchPost(ctx context.Context, id string) (domain.IncomingPost, error) {
	var env Envelope
	path := "/v2/posts/" + url.PathEscape(id) +
		"?expansions=author_id,attachments.media_keys&media.fields=variants,url&post.fields=created_at,conversation_id,entities"
	if err := c.get(ctx, path, &env); err != nil {
		return domain.IncomingPost{}, fmt.Errorf("fetch post %s: %w", id, err)
	}
	return env.Post(c.publicBase)
}

type userResponse struct {
	Data userJSON `json:"data"`
}

// UserByHandle resolves a handle to an account.
func (c *Client) UserByHandle(ctx context.Context, handle string) (domain.Account, error) {
	var resp userResponse
	if err := c.get(ctx, "/v2/users/by/handle/"+url.PathEscape(handle), &resp); err != nil {
		return domain.Account{}, fmt.Errorf("look up @%s: %w", handle, err)
	}
	if resp.Data.ID == "" {
		return domain.Account{}, fmt.Errorf("look up @%s: no such user", handle)
	}
	return domain.Account{ID: resp.Data.ID, Handle: resp.Data.Username}, nil
}

type usersResponse struct {
	Data   []userJSON `json:"data"`
	Errors []struct {
		Value  string `json:"value"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// UsersByID resolves a batch of account IDs. IDs the service reports as
// unknown are returned in missing.
func (c *Client) UsersByID(ctx context.Context, ids []string) ([]domain.Account, []string, error) {
	var resp usersResponse
	if err := c.get(ctx, "/v2/users?ids="+url.QueryEscape(strings.Join(ids, ",")), &resp); err != nil {
		return nil, nil, fmt.Errorf("look up users: %w", err)
	}

	found := make([]domain.Account, 0, len(resp.Data))
	for _, u := range resp.Data {
		found = append(found, domain.Account{ID: u.ID, Handle: u.Username})
	}
	missing := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		missing = append(missing, e.Value)
	}
	return found, missing, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, result)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, result any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
