// Package stream owns the single live connection to the streaming service:
// the websocket feed session with reconnect and backoff, the rule
// replacement operation, and the reconciliation loop that keeps the remote
// rule set aligned with the tracked follow set.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
	"github.com/blackmichael/fansite-mirror/internal/feedapi"
	"github.com/blackmichael/fansite-mirror/internal/rules"
	"github.com/gorilla/websocket"
)

// State is the feed session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// StreamURL is the streaming service's websocket endpoint.
	StreamURL string

	// Token authenticates the websocket handshake.
	Token string

	// PublicBase is the public site used to build post permalinks.
	PublicBase string

	// Rules manages the subscription's server-side rule set.
	Rules domain.RuleClient

	// Handle is invoked on its own goroutine for every received post, so a
	// slow handler never blocks ingestion of the next post.
	Handle func(domain.IncomingPost)

	// OnRulesApplied, if set, runs after a successful rule replacement with
	// the tracked account count (presence update and the like).
	OnRulesApplied func(accountCount int)

	Logger *slog.Logger
}

// Session is the at-most-one active connection to the live feed.
type Session struct {
	cfg SessionConfig

	state  atomic.Int32
	closed atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSession creates a Session. Call Run to connect.
func NewSession(cfg SessionConfig) *Session {
	return &Session{cfg: cfg}
}

// State reports the session's connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run connects to the feed and processes posts until the context is
// cancelled or Close is called. Transient failures reconnect with capped
// exponential backoff; an authentication rejection is unrecoverable and
// returned to the caller.
func (s *Session) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil || s.closed.Load() {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		err := s.subscribe(ctx, &backoff)
		if s.closed.Load() || ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}
		if isAuthError(err) {
			s.setState(StateDisconnected)
			return err
		}

		s.setState(StateDegraded)
		s.cfg.Logger.Error("feed connection lost, reconnecting", "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *Session) subscribe(ctx context.Context, backoff *time.Duration) error {
	s.setState(StateConnecting)
	s.cfg.Logger.Info("connecting to feed", "url", s.cfg.StreamURL)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.StreamURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &authError{status: resp.StatusCode}
		}
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.setState(StateActive)
	*backoff = initialBackoff
	s.cfg.Logger.Info("connected to feed")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		post, err := feedapi.ParseEnvelope(message, s.cfg.PublicBase)
		if err != nil {
			// keepalives and malformed frames are skipped, never fatal
			s.cfg.Logger.Debug("skipping feed frame", "error", err)
			continue
		}

		s.cfg.Logger.Info("post received", "post_id", post.ID, "author", post.AuthorHandle)
		go s.cfg.Handle(post)
	}
}

// ApplyRules replaces the remote rule set with one compiled from the given
// account IDs: delete everything active, then add the new expressions. An
// empty account set skips the add, leaving the subscription connected but
// inert. Per-rule rejections from the service are logged, not fatal; the
// next reconciliation tick re-evaluates. A crash between delete and add
// leaves the subscription empty until that same tick repairs it.
func (s *Session) ApplyRules(ctx context.Context, accountIDs []string) error {
	current, err := s.cfg.Rules.ActiveRules(ctx)
	if err != nil {
		return err
	}
	if len(current) > 0 {
		ids := make([]string, 0, len(current))
		for _, r := range current {
			ids = append(ids, r.ID)
		}
		if err := s.cfg.Rules.DeleteRules(ctx, ids); err != nil {
			return err
		}
	}

	values := rules.Compile(accountIDs)
	if len(values) > 0 {
		problems, err := s.cfg.Rules.AddRules(ctx, values)
		if err != nil {
			return err
		}
		for _, p := range problems {
			s.cfg.Logger.Error("rule rejected by feed", "value", p.Value, "detail", p.Detail)
		}
	}

	s.cfg.Logger.Info("rule set replaced", "rules", len(values), "accounts", len(accountIDs))
	if s.cfg.OnRulesApplied != nil {
		s.cfg.OnRulesApplied(len(accountIDs))
	}
	return nil
}

// Kick drops the current connection, forcing Run to redial. Used by the
// force-reconnect operation.
func (s *Session) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// Close permanently disconnects the session.
func (s *Session) Close() {
	s.closed.Store(true)
	s.setState(StateDisconnected)
	s.Kick()
}

type authError struct {
	status int
}

func (e *authError) Error() string {
	return fmt.Sprintf("feed authentication rejected (status %d)", e.status)
}

func isAuthError(err error) bool {
	_, ok := err.(*authError)
	return ok
}
