package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/editor"
	"scriptdesk/api/internal/history"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		text := strings.TrimSpace(query.Get("q"))
		if text == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.Lookup(search.Query{
			Text:          text,
			FilterIssueID: query.Get("issueId"),
			Limit:         queryInt(r, "limit", 20),
			Offset:        queryInt(r, "offset", 0),
		}))
		return
	}

	if r.URL.Path == "/api/issues" {
		s.handleIssues(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "issues" {
		s.handleIssue(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIssues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		issues, err := s.service.ListIssues(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
	case http.MethodPost:
		var body struct {
			Title       string `json:"title"`
			IssueNumber int    `json:"issueNumber"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issue, err := s.service.CreateIssue(r.Context(), body.Title, body.IssueNumber)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, issue)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleIssue(w http.ResponseWriter, r *http.Request, issueID string, rest []string) {
	e, err := s.service.Editor(r.Context(), issueID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	route := ""
	if len(rest) > 0 {
		route = rest[0]
	}
	switch {
	case route == "blocks" && len(rest) == 1 && r.Method == http.MethodGet:
		s.handleBlocks(w, r, e)
	case route == "entities":
		s.handleEntities(w, r, e, rest[1:])
	case (route == "undo" || route == "redo") && len(rest) == 1 && r.Method == http.MethodPost:
		s.handleHistory(w, r, e, route)
	case route == "save" && len(rest) == 1 && r.Method == http.MethodPost:
		if err := e.SaveNow(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, "SAVE_FAILED", "Some changes could not be saved; they are kept and will be retried", map[string]any{"pending": e.PendingIDs()})
			return
		}
		writeJSON(w, http.StatusOK, saveStatePayload(e))
	case route == "save-state" && len(rest) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, saveStatePayload(e))
	case route == "search" && len(rest) == 1 && r.Method == http.MethodGet:
		query := r.URL.Query()
		matches := e.Search(query.Get("q"), search.Flags{
			MatchCase: queryBool(r, "matchCase"),
			WholeWord: queryBool(r, "wholeWord"),
		})
		writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "total": len(matches)})
	case route == "replace" && len(rest) == 1 && r.Method == http.MethodPost:
		s.handleReplace(w, r, e)
	case route == "text" && len(rest) == 1 && r.Method == http.MethodGet:
		scope, anchor, ok := viewFromQuery(w, r)
		if !ok {
			return
		}
		text, err := s.service.Text(r.Context(), issueID, scope, anchor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "text": text})
	case route == "notifications" && len(rest) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"notifications": s.service.Notifications(issueID)})
	case route == "snapshots":
		s.handleSnapshots(w, r, issueID, rest[1:])
	case route == "exports" && len(rest) == 1 && r.Method == http.MethodPost:
		s.handleExport(w, r, issueID)
	case route == "" && r.Method == http.MethodDelete:
		if err := s.service.CloseIssue(r.Context(), issueID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleBlocks(w http.ResponseWriter, r *http.Request, e *editor.Editor) {
	scope, anchor, ok := viewFromQuery(w, r)
	if !ok {
		return
	}
	list := e.SetScope(scope, anchor)
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":     scope,
		"anchor":    anchor,
		"blocks":    list,
		"saveState": e.SaveState(),
		"canUndo":   e.CanUndo(),
		"canRedo":   e.CanRedo(),
	})
}

func (s *HTTPServer) handleEntities(w http.ResponseWriter, r *http.Request, e *editor.Editor, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Kind     string            `json:"kind"`
			ParentID string            `json:"parentId"`
			Fields   map[string]string `json:"fields"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		kind, err := script.ParseKind(body.Kind)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "kind"})
			return
		}
		created, err := e.Create(r.Context(), kind, body.ParentID, body.Fields)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	entityID := rest[0]
	action := ""
	if len(rest) > 1 {
		action = rest[1]
	}

	switch {
	case action == "" && r.Method == http.MethodPatch:
		var body struct {
			Field string `json:"field"`
			Value string `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := e.Update(r.Context(), entityID, body.Field, body.Value); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"saveState": e.SaveState(),
			"editState": e.EditState(entityID, body.Field),
		})
	case action == "" && r.Method == http.MethodDelete:
		if err := e.Delete(r.Context(), entityID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "canUndo": e.CanUndo()})
	case (action == "focus" || action == "blur") && len(rest) == 2 && r.Method == http.MethodPost:
		var body struct {
			Field string `json:"field"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if action == "focus" {
			if err := e.Focus(entityID, body.Field); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		journaled, err := e.Blur(entityID, body.Field)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"journaled": journaled, "canUndo": e.CanUndo()})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, e *editor.Editor, direction string) {
	var (
		cmd history.Command
		err error
	)
	if direction == "undo" {
		cmd, err = e.Undo(r.Context())
	} else {
		cmd, err = e.Redo(r.Context())
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"command": map[string]any{"op": cmd.Op(), "kind": cmd.Kind(), "entityId": cmd.EntityID()},
		"blocks":  e.Blocks(),
		"canUndo": e.CanUndo(),
		"canRedo": e.CanRedo(),
	})
}

func (s *HTTPServer) handleReplace(w http.ResponseWriter, r *http.Request, e *editor.Editor) {
	var body struct {
		Term        string `json:"term"`
		Replacement string `json:"replacement"`
		MatchCase   bool   `json:"matchCase"`
		WholeWord   bool   `json:"wholeWord"`
		All         bool   `json:"all"`
		MatchIndex  int    `json:"matchIndex"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	flags := search.Flags{MatchCase: body.MatchCase, WholeWord: body.WholeWord}

	if body.All {
		count, err := e.ReplaceAll(r.Context(), body.Term, body.Replacement, flags)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": count})
		return
	}

	matches := e.Search(body.Term, flags)
	if body.MatchIndex < 0 || body.MatchIndex >= len(matches) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "matchIndex is out of range", map[string]any{"field": "matchIndex", "total": len(matches)})
		return
	}
	if err := e.ReplaceOne(r.Context(), matches[body.MatchIndex], body.Replacement); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": 1})
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request, issueID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Author  string `json:"author"`
			Message string `json:"message"`
			Name    string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, changed, err := s.service.TakeSnapshot(r.Context(), issueID, body.Author, body.Message, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if !changed {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"commit": info, "changed": changed})
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.SnapshotHistory(issueID, queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": items})
	case len(rest) == 1 && r.Method == http.MethodGet:
		text, err := s.service.SnapshotText(issueID, rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rev": rest[0], "text": text})
	case len(rest) == 2 && rest[1] == "diff" && r.Method == http.MethodGet:
		against := r.URL.Query().Get("against")
		if against == "" {
			against = "HEAD"
		}
		changes, err := s.service.SnapshotDiff(issueID, rest[0], against)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"from": rest[0], "to": against, "changes": changes})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, issueID string) {
	scope, anchor, ok := viewFromQuery(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("scope") == "" {
		scope = blocks.ScopeIssue
	}
	var body struct {
		Author string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Export(r.Context(), issueID, scope, anchor, body.Author)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.Logger().Error("request failed", "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, message, details)
}

func saveStatePayload(e *editor.Editor) map[string]any {
	return map[string]any{
		"saveState": e.SaveState(),
		"pending":   e.PendingIDs(),
	}
}

func viewFromQuery(w http.ResponseWriter, r *http.Request) (blocks.Scope, blocks.Anchor, bool) {
	query := r.URL.Query()
	scope, err := blocks.ParseScope(query.Get("scope"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "scope"})
		return "", blocks.Anchor{}, false
	}
	return scope, blocks.Anchor{PageID: query.Get("page"), PanelID: query.Get("panel")}, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.Logger().Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || err.Error() == "EOF" {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func queryBool(r *http.Request, key string) bool {
	parsed, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && parsed
}
