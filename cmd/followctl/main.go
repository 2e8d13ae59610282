// Command followctl is an operator CLI for the bot's admin HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = `usage: followctl [-addr URL] <command> [arguments]

commands:
  add        -channel ID handle [handle...]   follow accounts on a channel
  remove     -channel ID handle [handle...]   unfollow accounts from a channel
  list       -guild ID [-channel ID]          list follows in a guild
  fetch      -channel ID post-id [post-id...] post specific posts to a channel
  media-only -guild ID [-channel ID] [-handle H] (on|off)
                                              set a media-only filter
  filters    -guild ID                        show a guild's filters
  clear-filters -guild ID                     remove all filters in a guild
  unlock     -guild ID                        raise the guild's follow limit
  reconnect                                   force a feed reconnect
  purge                                       drop follows for dead channels
  health                                      show bot status
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var addr string
	flag.StringVar(&addr, "addr", envOrDefault("MIRROR_ADMIN_ADDR", "http://localhost:3000"), "Admin API base URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("a command is required")
	}

	cli := &client{base: strings.TrimRight(addr, "/")}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "add":
		return cli.follows(http.MethodPost, rest)
	case "remove":
		return cli.follows(http.MethodDelete, rest)
	case "list":
		return cli.list(rest)
	case "fetch":
		return cli.fetch(rest)
	case "media-only":
		return cli.mediaOnly(rest)
	case "filters":
		return cli.filters(rest)
	case "clear-filters":
		return cli.clearFilters(rest)
	case "unlock":
		return cli.unlock(rest)
	case "reconnect":
		return cli.post("/reconnect", nil)
	case "purge":
		return cli.post("/purge", nil)
	case "health":
		return cli.health()
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type client struct {
	base string
}

func (c *client) follows(method string, args []string) error {
	fs := flag.NewFlagSet("follows", flag.ExitOnError)
	channel := fs.String("channel", "", "Channel ID")
	fs.Parse(args)
	if *channel == "" {
		return fmt.Errorf("-channel is required")
	}
	handles := fs.Args()
	if len(handles) == 0 {
		return fmt.Errorf("at least one handle is required")
	}

	var resp struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
		Outcomes  []struct {
			Handle string `json:"handle"`
			OK     bool   `json:"ok"`
			Error  string `json:"error,omitempty"`
		} `json:"outcomes"`
	}
	path := fmt.Sprintf("/channels/%s/follows", *channel)
	err := c.do(method, path, map[string]any{"handles": handles}, &resp)
	if err != nil {
		return err
	}

	for _, o := range resp.Outcomes {
		if o.OK {
			fmt.Printf("ok    @%s\n", o.Handle)
		} else {
			fmt.Printf("fail  @%s: %s\n", o.Handle, o.Error)
		}
	}
	fmt.Printf("%d succeeded, %d failed\n", resp.Succeeded, resp.Failed)
	if resp.Failed > 0 {
		return fmt.Errorf("%d of %d handles failed", resp.Failed, len(handles))
	}
	return nil
}

func (c *client) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	guild := fs.String("guild", "", "Guild ID")
	channel := fs.String("channel", "", "Restrict to one channel")
	fs.Parse(args)
	if *guild == "" {
		return fmt.Errorf("-guild is required")
	}

	var resp struct {
		Follows []struct {
			Handle    string `json:"handle"`
			ChannelID string `json:"channel_id"`
		} `json:"follows"`
	}
	path := fmt.Sprintf("/guilds/%s/follows", *guild)
	if *channel != "" {
		path += "?channel=" + *channel
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	for _, f := range resp.Follows {
		fmt.Printf("%s\t@%s\n", f.ChannelID, f.Handle)
	}
	fmt.Printf("%d follows\n", len(resp.Follows))
	return nil
}

func (c *client) fetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	channel := fs.String("channel", "", "Channel ID")
	fs.Parse(args)
	if *channel == "" {
		return fmt.Errorf("-channel is required")
	}
	ids := fs.Args()
	if len(ids) == 0 {
		return fmt.Errorf("at least one post ID is required")
	}

	var resp struct {
		Outcomes []struct {
			PostID string `json:"post_id"`
			OK     bool   `json:"ok"`
			Error  string `json:"error,omitempty"`
		} `json:"outcomes"`
	}
	body := map[string]any{"post_ids": ids, "channel_id": *channel}
	if err := c.do(http.MethodPost, "/fetch", body, &resp); err != nil {
		return err
	}

	failed := 0
	for _, o := range resp.Outcomes {
		if o.OK {
			fmt.Printf("ok    %s\n", o.PostID)
		} else {
			failed++
			fmt.Printf("fail  %s: %s\n", o.PostID, o.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d posts failed", failed, len(ids))
	}
	return nil
}

func (c *client) mediaOnly(args []string) error {
	fs := flag.NewFlagSet("media-only", flag.ExitOnError)
	guild := fs.String("guild", "", "Guild ID")
	channel := fs.String("channel", "", "Channel ID (sets a channel filter)")
	handle := fs.String("handle", "", "Account handle (sets an account filter)")
	fs.Parse(args)

	var enabled bool
	switch fs.Arg(0) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("last argument must be 'on' or 'off'")
	}

	body := map[string]any{"value": enabled}
	var path string
	switch {
	case *handle != "":
		if *guild == "" {
			return fmt.Errorf("-guild is required with -handle")
		}
		path = fmt.Sprintf("/guilds/%s/accounts/%s/media-only", *guild, *handle)
	case *channel != "":
		path = fmt.Sprintf("/channels/%s/media-only", *channel)
	case *guild != "":
		path = fmt.Sprintf("/guilds/%s/media-only", *guild)
	default:
		return fmt.Errorf("one of -guild, -channel or -handle is required")
	}

	if err := c.do(http.MethodPut, path, body, nil); err != nil {
		return err
	}
	fmt.Println("filter updated")
	return nil
}

func (c *client) filters(args []string) error {
	fs := flag.NewFlagSet("filters", flag.ExitOnError)
	guild := fs.String("guild", "", "Guild ID")
	fs.Parse(args)
	if *guild == "" {
		return fmt.Errorf("-guild is required")
	}

	var resp struct {
		Filters []struct {
			Scope     string `json:"scope"`
			Key       string `json:"key"`
			MediaOnly bool   `json:"media_only"`
		} `json:"filters"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/guilds/%s/filters", *guild), nil, &resp); err != nil {
		return err
	}

	for _, f := range resp.Filters {
		state := "off"
		if f.MediaOnly {
			state = "on"
		}
		if f.Key == "" {
			fmt.Printf("%s\tmedia-only %s\n", f.Scope, state)
		} else {
			fmt.Printf("%s\t%s\tmedia-only %s\n", f.Scope, f.Key, state)
		}
	}
	fmt.Printf("%d filters\n", len(resp.Filters))
	return nil
}

func (c *client) clearFilters(args []string) error {
	fs := flag.NewFlagSet("clear-filters", flag.ExitOnError)
	guild := fs.String("guild", "", "Guild ID")
	fs.Parse(args)
	if *guild == "" {
		return fmt.Errorf("-guild is required")
	}
	if err := c.do(http.MethodDelete, fmt.Sprintf("/guilds/%s/filters", *guild), nil, nil); err != nil {
		return err
	}
	fmt.Println("filters cleared")
	return nil
}

func (c *client) unlock(args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ExitOnError)
	guild := fs.String("guild", "", "Guild ID")
	fs.Parse(args)
	if *guild == "" {
		return fmt.Errorf("-guild is required")
	}
	return c.post(fmt.Sprintf("/guilds/%s/unlock", *guild), nil)
}

func (c *client) health() error {
	var resp map[string]any
	if err := c.do(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	return nil
}

func (c *client) post(path string, body any) error {
	if err := c.do(http.MethodPost, path, body, nil); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Manual fetches download media before responding.
	httpClient := &http.Client{Timeout: 5 * time.Minute}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
