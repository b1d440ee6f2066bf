package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns lists extra hosts allowed to open the event stream.
	OriginPatterns []string
	Logger         *slog.Logger
}

// Server exposes one profile's workspace to the presentation layer.
type Server struct {
	ws          *catalog.Workspace
	refresher   *catalog.Refresher
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	requestSeq  atomic.Uint64
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(ws *catalog.Workspace, refresher *catalog.Refresher) *Server {
	return NewServerWithConfig(ws, refresher, ServerConfig{})
}

// NewServerWithConfig builds a server. refresher may be nil, in which case
// the refresh and login routes answer 503.
func NewServerWithConfig(ws *catalog.Workspace, refresher *catalog.Refresher, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		ws:          ws,
		refresher:   refresher,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := s.correlationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "tree" && r.Method == http.MethodGet:
		route = "tree"
	case len(parts) == 2 && parts[1] == "projects" && r.Method == http.MethodGet:
		route = "projects"
	case len(parts) == 3 && parts[1] == "projects" && parts[2] == "move" && r.Method == http.MethodPost:
		route = "move"
	case len(parts) == 3 && parts[1] == "projects" && r.Method == http.MethodGet:
		route = "project"
	case len(parts) == 4 && parts[1] == "projects" && r.Method == http.MethodPost:
		route = "project_" + parts[3]
	case len(parts) == 2 && parts[1] == "folders" && r.Method == http.MethodGet:
		route = "folders"
	case len(parts) == 2 && parts[1] == "folders" && r.Method == http.MethodPost:
		route = "create_folder"
	case len(parts) == 2 && parts[1] == "folders" && r.Method == http.MethodDelete:
		route = "delete_folder"
	case len(parts) == 3 && parts[1] == "folders" && parts[2] == "rename" && r.Method == http.MethodPost:
		route = "rename_folder"
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost:
		route = "refresh"
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodGet:
		route = "refresh_status"
	case len(parts) == 2 && parts[1] == "login" && r.Method == http.MethodPost:
		route = "login"
	case len(parts) == 2 && parts[1] == "changes" && r.Method == http.MethodGet:
		route = "changes"
	case len(parts) == 3 && parts[1] == "changes" && parts[2] == "resolve" && r.Method == http.MethodPost:
		route = "resolve_changes"
	case len(parts) == 2 && parts[1] == "reload" && r.Method == http.MethodPost:
		route = "reload"
	case len(parts) == 3 && parts[1] == "local" && parts[2] == "reset" && r.Method == http.MethodPost:
		route = "reset_local"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "event_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "event_stream" {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w, r, correlationID)
	case "tree":
		s.handleTree(w, r, correlationID)
	case "projects":
		s.handleProjects(w, r, correlationID)
	case "project":
		s.handleProject(w, r, catalog.DocumentID(parts[2]), correlationID)
	case "move":
		s.handleMove(w, r, correlationID)
	case "project_pin", "project_hide", "project_note":
		s.handleAnnotate(w, r, catalog.DocumentID(parts[2]), parts[3], correlationID)
	case "folders":
		writeJSON(w, http.StatusOK, map[string]any{"folders": s.ws.Index().FolderPaths()})
	case "create_folder":
		s.handleCreateFolder(w, r, correlationID)
	case "delete_folder":
		s.handleDeleteFolder(w, r, correlationID)
	case "rename_folder":
		s.handleRenameFolder(w, r, correlationID)
	case "refresh":
		s.handleRefresh(w, r, correlationID)
	case "refresh_status":
		s.handleRefreshStatus(w, r, correlationID)
	case "login":
		s.handleLogin(w, r, correlationID)
	case "changes":
		s.handleChanges(w, r, correlationID)
	case "resolve_changes":
		s.handleResolveChanges(w, r, correlationID)
	case "reload":
		if err := s.ws.Reload(); err != nil {
			s.writeCatalogError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, s.ws.Status())
	case "reset_local":
		if err := s.ws.ResetLocalState(); err != nil {
			s.writeCatalogError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, s.ws.Status())
	case "events":
		s.handleEvents(w, r, correlationID)
	case "event_stream":
		s.handleEventStream(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type statusResponse struct {
	catalog.WorkspaceStatus
	Refresh *catalog.RefreshStatus `json:"refresh,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	resp := statusResponse{WorkspaceStatus: s.ws.Status()}
	if s.refresher != nil {
		status := s.refresher.Status()
		resp.Refresh = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, correlationID string) {
	ix := s.ws.Index()
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeJSON(w, http.StatusOK, ix.Tree())
		return
	}
	path, err := catalog.NormalizeFolder(raw)
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	node, ok := ix.Folder(path)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "folder not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// projectView flattens a ProjectRecord into what a table row shows.
type projectView struct {
	ID              catalog.DocumentID `json:"id"`
	Name            string             `json:"name"`
	Owner           string             `json:"owner"`
	LastModified    *time.Time         `json:"lastModified,omitempty"`
	LastModifiedRaw string             `json:"lastModifiedRaw,omitempty"`
	URL             string             `json:"url,omitempty"`
	Archived        bool               `json:"archived"`
	Folder          string             `json:"folder"`
	Pinned          bool               `json:"pinned"`
	Hidden          bool               `json:"hidden"`
	Note            string             `json:"note"`
	Orphaned        bool               `json:"orphaned"`
}

func newProjectView(rec catalog.ProjectRecord) projectView {
	view := projectView{
		ID:       rec.ID,
		Name:     rec.DisplayName(),
		Owner:    rec.OwnerLabel(),
		Archived: rec.Archived(),
		Folder:   rec.Local.Folder,
		Pinned:   rec.Local.Pinned,
		Hidden:   rec.Local.Hidden,
		Note:     rec.Local.Note,
		Orphaned: rec.Orphaned,
	}
	if rec.Remote != nil {
		if !rec.Remote.LastModified.IsZero() {
			ts := rec.Remote.LastModified
			view.LastModified = &ts
		}
		view.LastModifiedRaw = rec.Remote.LastModifiedRaw
		view.URL = rec.Remote.URL
	}
	return view
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	view, err := catalog.ParseView(query.Get("view"))
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	folder := ""
	if raw := query.Get("folder"); raw != "" {
		folder, err = catalog.NormalizeFolder(raw)
		if err != nil {
			s.writeCatalogError(w, err, correlationID)
			return
		}
		if view == catalog.ViewAll {
			view = catalog.ViewFolder
		}
	}
	includeHidden, err := parseOptionalBool(query.Get("includeHidden"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid includeHidden value", correlationID)
		return
	}
	records := s.ws.Index().Query(catalog.Query{
		View:          view,
		Folder:        folder,
		Text:          query.Get("q"),
		IncludeHidden: includeHidden,
	})
	out := make([]projectView, 0, len(records))
	for _, rec := range records {
		out = append(out, newProjectView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"view":     view,
		"projects": out,
		"count":    len(out),
	})
}

func (s *Server) handleProject(w http.ResponseWriter, _ *http.Request, id catalog.DocumentID, correlationID string) {
	rec, ok := s.ws.Index().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "project not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, newProjectView(rec))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		IDs    []catalog.DocumentID `json:"ids"`
		Folder string               `json:"folder"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids is required", correlationID)
		return
	}
	if err := s.ws.Move(req.IDs, req.Folder); err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	s.writeProjects(w, req.IDs)
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request, id catalog.DocumentID, action, correlationID string) {
	var req struct {
		Pinned *bool   `json:"pinned"`
		Hidden *bool   `json:"hidden"`
		Note   *string `json:"note"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	var err error
	switch action {
	case "pin":
		if req.Pinned == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "pinned is required", correlationID)
			return
		}
		err = s.ws.SetPinned(id, *req.Pinned)
	case "hide":
		if req.Hidden == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "hidden is required", correlationID)
			return
		}
		err = s.ws.SetHidden(id, *req.Hidden)
	case "note":
		if req.Note == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "note is required", correlationID)
			return
		}
		err = s.ws.SetNote(id, *req.Note)
	}
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	s.writeProjects(w, []catalog.DocumentID{id})
}

func (s *Server) writeProjects(w http.ResponseWriter, ids []catalog.DocumentID) {
	ix := s.ws.Index()
	out := make([]projectView, 0, len(ids))
	for _, id := range ids {
		if rec, ok := ix.Get(id); ok {
			out = append(out, newProjectView(rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Path string `json:"path"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.ws.CreateFolder(req.Path); err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"folders": s.ws.Index().FolderPaths()})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request, correlationID string) {
	path := r.URL.Query().Get("path")
	recursive, err := parseOptionalBool(r.URL.Query().Get("recursive"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid recursive value", correlationID)
		return
	}
	if recursive {
		err = s.ws.DeleteFolderTree(path)
	} else {
		err = s.ws.DeleteFolder(path)
	}
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": s.ws.Index().FolderPaths()})
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.ws.RenameFolder(req.From, req.To); err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": s.ws.Index().FolderPaths()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh_unavailable", "no remote fetcher configured", correlationID)
		return
	}
	wait, err := parseOptionalBool(r.URL.Query().Get("wait"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid wait value", correlationID)
		return
	}
	if !wait {
		s.refresher.RefreshAsync(catalog.TriggerManual)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
		return
	}
	result, err := s.refresher.Refresh(r.Context(), catalog.TriggerManual)
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh_unavailable", "no remote fetcher configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.refresher.Status())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh_unavailable", "no remote fetcher configured", correlationID)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required", correlationID)
		return
	}
	s.refresher.Login(strings.TrimSpace(req.Token))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) handleChanges(w http.ResponseWriter, _ *http.Request, correlationID string) {
	changes, err := s.ws.CheckForChanges()
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"status":  s.ws.Status(),
	})
}

func (s *Server) handleResolveChanges(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	resolution, err := catalog.ParseLocalResolution(req.Resolution)
	if err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	if err := s.ws.ResolveLocalChange(resolution); err != nil {
		s.writeCatalogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.ws.Status())
}

// writeCatalogError maps workspace and refresh failures onto HTTP statuses.
func (s *Server) writeCatalogError(w http.ResponseWriter, err error, correlationID string) {
	var refreshErr *catalog.RefreshError
	if errors.As(err, &refreshErr) {
		code := "refresh_failed"
		switch {
		case errors.Is(err, catalog.ErrAuth):
			code = "remote_auth_failed"
		case errors.Is(err, catalog.ErrNetwork):
			code = "remote_unreachable"
		}
		writeError(w, http.StatusBadGateway, code, refreshErr.UserMessage(), correlationID)
		return
	}
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrFolderNotEmpty):
		writeError(w, http.StatusConflict, "folder_not_empty", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrExternalChange):
		writeError(w, http.StatusConflict, "external_change", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrRefreshInProgress):
		writeError(w, http.StatusConflict, "refresh_in_progress", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrCorruptState):
		writeError(w, http.StatusConflict, "corrupt_state",
			fmt.Sprintf("%v; fix the file and reload, or reset local state", err), correlationID)
	case errors.Is(err, catalog.ErrUnsupportedVersion):
		writeError(w, http.StatusConflict, "unsupported_version", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("req_%d", s.requestSeq.Add(1))
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
