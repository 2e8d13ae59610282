// Package httpserver exposes the operator command surface as an admin HTTP
// API: follow management, filter configuration, manual fetches, and session
// control.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
	"github.com/blackmichael/fansite-mirror/internal/pipeline"
	"github.com/blackmichael/fansite-mirror/internal/stream"
)

// Server is the admin HTTP server.
type Server struct {
	follows    *domain.FollowService
	filters    domain.FilterRepository
	renderer   *pipeline.Renderer
	fetcher    domain.PostFetcher
	session    *stream.Session
	messenger  domain.Messenger
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates the admin HTTP server.
func NewServer(
	port int,
	follows *domain.FollowService,
	filters domain.FilterRepository,
	renderer *pipeline.Renderer,
	fetcher domain.PostFetcher,
	session *stream.Session,
	msgr domain.Messenger,
	logger *slog.Logger,
) *Server {
	s := &Server{
		follows:   follows,
		filters:   filters,
		renderer:  renderer,
		fetcher:   fetcher,
		session:   session,
		messenger: msgr,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /channels/{channelID}/follows", s.handleAddFollows)
	mux.HandleFunc("DELETE /channels/{channelID}/follows", s.handleRemoveFollows)
	mux.HandleFunc("GET /guilds/{guildID}/follows", s.handleListFollows)
	mux.HandleFunc("POST /guilds/{guildID}/unlock", s.handleUnlockGuild)
	mux.HandleFunc("PUT /guilds/{guildID}/media-only", s.handleGuildMediaOnly)
	mux.HandleFunc("PUT /channels/{channelID}/media-only", s.handleChannelMediaOnly)
	mux.HandleFunc("PUT /guilds/{guildID}/accounts/{handle}/media-only", s.handleAccountMediaOnly)
	mux.HandleFunc("GET /guilds/{guildID}/filters", s.handleListFilters)
	mux.HandleFunc("DELETE /guilds/{guildID}/filters", s.handleClearFilters)
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("POST /purge", s.handlePurge)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual fetches download media
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting admin HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": s.session.State().String(),
	})
}

type handlesRequest struct {
	Handles []string `json:"handles"`
}

type outcomeResponse struct {
	Handle string `json:"handle"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type batchResponse struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Outcomes  []outcomeResponse `json:"outcomes"`
}

func toBatchResponse(outcomes []domain.FollowOutcome) batchResponse {
	resp := batchResponse{Outcomes: make([]outcomeResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		item := outcomeResponse{Handle: o.Handle, OK: o.Err == nil}
		if o.Err != nil {
			item.Error = o.Err.Error()
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Outcomes = append(resp.Outcomes, item)
	}
	return resp
}

func (s *Server) handleAddFollows(w http.ResponseWriter, r *http.Request) {
	var req handlesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Handles) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "at least one handle is required")
		return
	}

	dest, ok := s.resolveChannel(w, r, r.PathValue("channelID"))
	if !ok {
		return
	}

	outcomes, err := s.follows.AddFollows(r.Context(), dest, req.Handles)
	if err != nil {
		s.logger.Error("add follows failed", "channel_id", dest.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to add follows")
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(outcomes))
}

func (s *Server) handleRemoveFollows(w http.ResponseWriter, r *http.Request) {
	var req handlesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Handles) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "at least one handle is required")
		return
	}

	outcomes, err := s.follows.RemoveFollows(r.Context(), r.PathValue("channelID"), req.Handles)
	if err != nil {
		s.logger.Error("remove follows failed", "channel_id", r.PathValue("channelID"), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to remove follows")
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(outcomes))
}

func (s *Server) handleListFollows(w http.ResponseWriter, r *http.Request) {
	records, err := s.follows.ListFollows(r.Context(), r.PathValue("guildID"), r.URL.Query().Get("channel"))
	if err != nil {
		s.logger.Error("list follows failed", "guild_id", r.PathValue("guildID"), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to list follows")
		return
	}

	type followResponse struct {
		ChannelID string    `json:"channel_id"`
		AccountID string    `json:"account_id"`
		Handle    string    `json:"handle"`
		AddedAt   time.Time `json:"added_at"`
	}
	resp := make([]followResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, followResponse{
			ChannelID: rec.ChannelID,
			AccountID: rec.AccountID,
			Handle:    rec.Handle,
			AddedAt:   rec.AddedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"follows": resp})
}

func (s *Server) handleUnlockGuild(w http.ResponseWriter, r *http.Request) {
	if err := s.follows.UnlockGuild(r.Context(), r.PathValue("guildID")); err != nil {
		s.logger.Error("unlock failed", "guild_id", r.PathValue("guildID"), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to unlock guild")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

type mediaOnlyRequest struct {
	Value *bool `json:"value"`
}

func decodeMediaOnly(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req mediaOnlyRequest
	if !decodeBody(w, r, &req) {
		return false, false
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "value is required")
		return false, false
	}
	return *req.Value, true
}

func (s *Server) handleGuildMediaOnly(w http.ResponseWriter, r *http.Request) {
	value, ok := decodeMediaOnly(w, r)
	if !ok {
		return
	}
	if err := s.filters.SetGuildMediaOnly(r.Context(), r.PathValue("guildID"), value); err != nil {
		s.logger.Error("set guild filter failed", "guild_id", r.PathValue("guildID"), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to set filter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"media_only": value})
}

func (s *Server) handleChannelMediaOnly(w http.ResponseWriter, r *http.Request) {
	value, ok := decodeMediaOnly(w, r)
	if !ok {
		return
	}
	dest, ok := s.resolveChannel(w, r, r.PathValue("channelID"))
	if !ok {
		return
	}
	if err := s.filters.SetChannelMediaOnly(r.Context(), dest.ChannelID, dest.GuildID, value); err != nil {
		s.logger.Error("set channel filter failed", "channel_id", dest.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to set filter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"media_only": value})
}

func (s *Server) handleAccountMediaOnly(w http.ResponseWriter, r *http.Request) {
	value, ok := decodeMediaOnly(w, r)
	if !ok {
		return
	}

	handle := r.PathValue("handle")
	accountID, err := s.follows.AccountIDByHandle(r.Context(), handle)
	if err != nil {
		s.logger.Error("handle lookup failed", "handle", handle, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to look up handle")
		return
	}
	if accountID == "" {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("no followed account @%s", handle))
		return
	}

	if err := s.filters.SetAccountMediaOnly(r.Context(), r.PathValue("guildID"), accountID, value); err != nil {
		s.logger.Error("set account filter failed", "handle", handle, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to set filter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"media_only": value})
}

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	settings, err := s.filters.ListGuildFilters(r.Context(), r.PathValue("guildID"))
	if err != nil {
		s.logger.Error("list filters failed", "guild_id", r.PathValue("guildID"), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to list filters")
		return
	}

	type filterResponse struct {
		Scope     string `json:"scope"`
		Key       string `json:"key,omitempty"`
		MediaOnly bool   `json:"media_only"`
	}
	resp := make([]filterResponse, 0, len(settings))
	for _, setting := range settings {
		resp = append(resp, filterResponse{
			Scope:     string(setting.Scope),
			Key:       setting.Key,
			MediaOnly: setting.MediaOnly,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"filters": resp})
}

func (s *Server) handleClearFilters(w http.ResponseWriter, r *http.Request) {
	if err := s.filters.ClearGuildFilters(r.Context(), r.PathValue("guildID")); err != nil {
		s.logger.Error("clear filters failed", "guild_id", r.PathValue("guildID"), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to clear filters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type fetchRequest struct {
	PostIDs   []string `json:"post_ids"`
	ChannelID string   `json:"channel_id"`
}

// handleFetch runs the render pipeline directly against explicit post IDs.
// Posts answered with a different canonical ID (repost pointers) are
// re-pointed to the canonical post.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.PostIDs) == 0 || len(req.PostIDs) > 10 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "between 1 and 10 post IDs are required")
		return
	}

	dest, ok := s.resolveChannel(w, r, req.ChannelID)
	if !ok {
		return
	}

	type fetchOutcome struct {
		PostID string `json:"post_id"`
		OK     bool   `json:"ok"`
		Error  string `json:"error,omitempty"`
	}
	outcomes := make([]fetchOutcome, 0, len(req.PostIDs))
	for _, id := range req.PostIDs {
		outcome := fetchOutcome{PostID: id, OK: true}

		post, err := s.fetcher.FetchPost(r.Context(), id)
		switch {
		case err != nil:
			outcome.OK = false
			outcome.Error = err.Error()
		default:
			if post.ID != id {
				s.logger.Warn("requested post re-pointed to canonical", "requested", id, "canonical", post.ID)
			}
			err = s.renderer.RenderAndSend(r.Context(), post, []domain.Destination{dest}, true)
			if errors.Is(err, domain.ErrNoMedia) {
				outcome.OK = false
				outcome.Error = "post has no media and the channel is media-only"
			} else if err != nil {
				outcome.OK = false
				outcome.Error = err.Error()
			}
		}
		outcomes = append(outcomes, outcome)
	}

	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	s.session.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	actions, err := s.follows.Purge(r.Context())
	if err != nil {
		s.logger.Error("purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "purge failed")
		return
	}
	if actions == nil {
		actions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// resolveChannel resolves a channel or writes the appropriate error.
func (s *Server) resolveChannel(w http.ResponseWriter, r *http.Request, channelID string) (domain.Destination, bool) {
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "channel_id is required")
		return domain.Destination{}, false
	}
	dest, err := s.messenger.ResolveChannel(r.Context(), channelID)
	if errors.Is(err, domain.ErrUnknownChannel) {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("channel %s not found", channelID))
		return domain.Destination{}, false
	}
	if err != nil {
		s.logger.Error("channel resolution failed", "channel_id", channelID, "error", err)
		writeError(w, http.StatusBadGateway, "UpstreamError", "failed to resolve channel")
		return domain.Destination{}, false
	}
	return dest, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
