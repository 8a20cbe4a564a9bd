package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"murmur/api/internal/auth"
	"murmur/api/internal/search"
	"murmur/api/internal/session"
	"murmur/api/internal/spam"
	"murmur/api/internal/util"
)

const (
	loginCookie       = "murmur-login"
	messageCookie     = "murmur-message"
	errorCookie       = "murmur-error"
	failedFieldCookie = "murmur-failed-field"
)

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	log         zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigins: corsOrigins, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{"ok": status == "ready", "status": status})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/logout" {
		s.handleLogout(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		login, err := s.currentLogin(r)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"name":          login.Name,
			"website":       login.Website,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/latest" {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		comments, err := s.service.Latest(r.Context(), limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "blocklist" {
		s.handleBlocklist(w, r)
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "blocklist" && r.Method == http.MethodDelete {
		ip, err := url.PathUnescape(parts[3])
		if err != nil || ip == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a valid address is required", nil)
			return
		}
		if err := s.service.UnblockAddress(r.Context(), r.URL.Query().Get("password"), ip); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "threads" {
		threadName, err := url.PathUnescape(parts[2])
		if err != nil || threadName == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a valid thread name is required", nil)
			return
		}

		if len(parts) == 4 && parts[3] == "comments" {
			if r.Method == http.MethodGet {
				s.handleListComments(w, r, threadName)
				return
			}
			if r.Method == http.MethodPost {
				s.handlePostComment(w, r, threadName)
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}

		if len(parts) == 4 && parts[3] == "search" && r.Method == http.MethodGet {
			s.handleSearch(w, r, threadName)
			return
		}

		if len(parts) == 6 && parts[3] == "comments" && r.Method == http.MethodPost {
			id := parts[4]
			switch parts[5] {
			case "edit":
				s.handleEditComment(w, r, threadName, id)
				return
			case "delete":
				s.handleDeleteComment(w, r, threadName, id)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, threadName string) {
	includePending := s.service.creds.VerifyAdmin(r.URL.Query().Get("password"))
	comments, err := s.service.ListComments(r.Context(), threadName, includePending)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadName, "comments": comments})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, threadName string) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	includePending := s.service.creds.VerifyAdmin(r.URL.Query().Get("password"))
	payload := s.service.Search(r.Context(), search.Query{
		Thread:         threadName,
		Text:           q,
		Limit:          limit,
		Offset:         offset,
		IncludePending: includePending,
	})
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePostComment(w http.ResponseWriter, r *http.Request, threadName string) {
	values, present, err := requestValues(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req := s.commentRequest(r, threadName, values, present)

	view, err := s.service.PostComment(r.Context(), req)
	if err != nil {
		s.respondError(w, r, values, err)
		return
	}

	if s.service.Config().UsesAutoLogin && req.Password != "" && req.LoginID == "" {
		s.autoLogin(w, r, req)
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"comment": view})
		return
	}
	s.setFlash(w, messageCookie, "Comment posted!")
	s.redirectBack(w, r, values["url"], view.Permalink)
}

func (s *HTTPServer) handleEditComment(w http.ResponseWriter, r *http.Request, threadName, id string) {
	values, present, err := requestValues(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req := s.commentRequest(r, threadName, values, present)

	view, err := s.service.EditComment(r.Context(), req, id)
	if err != nil {
		s.respondError(w, r, values, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"comment": view})
		return
	}
	s.setFlash(w, messageCookie, "Comment updated!")
	s.redirectBack(w, r, values["url"], view.Permalink)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request, threadName, id string) {
	values, present, err := requestValues(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req := s.commentRequest(r, threadName, values, present)

	if err := s.service.DeleteComment(r.Context(), req, id); err != nil {
		s.respondError(w, r, values, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	s.setFlash(w, messageCookie, "Comment deleted!")
	s.redirectBack(w, r, values["url"], "comments")
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	values, _, err := requestValues(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), LoginRequest{
		Name:     values["name"],
		Email:    values["email"],
		Website:  values["website"],
		Password: values["password"],
		IP:       clientIP(r),
	})
	if err != nil {
		s.respondError(w, r, values, err)
		return
	}
	s.setLoginCookie(w, sess)
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"name": sess.Login.Name, "expires_at": sess.ExpiresAt.Unix()})
		return
	}
	s.setFlash(w, messageCookie, "You are now logged in!")
	s.redirectBack(w, r, values["url"], "comments")
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(loginCookie); err == nil {
		s.service.Logout(r.Context(), cookie.Value)
	}
	s.clearLoginCookie(w)
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	values, _, _ := requestValues(r)
	s.setFlash(w, messageCookie, "You are now logged out")
	s.redirectBack(w, r, values["url"], "comments")
}

func (s *HTTPServer) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body struct {
		IP       string `json:"ip"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if net.ParseIP(body.IP) == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a valid address is required", nil)
		return
	}
	if err := s.service.BlockAddress(r.Context(), body.Password, body.IP); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// commentRequest assembles a pipeline request from decoded values. An
// established login session fills in identity fields the client did not
// send itself.
func (s *HTTPServer) commentRequest(r *http.Request, threadName string, values map[string]string, present map[string]bool) CommentRequest {
	req := CommentRequest{
		Thread:    threadName,
		Body:      values["comment"],
		ReplyTo:   values["reply-to"],
		Name:      values["name"],
		Email:     values["email"],
		Website:   values["website"],
		Password:  values["password"],
		Subscribe: parseBool(values["subscribe"]),
		Status:    values["status"],
		PageURL:   values["url"],
		IP:        clientIP(r),
		Mode:      requestMode(r),
		Trap:      trapValues(values),
		Present:   present,
	}
	if login, err := s.currentLogin(r); err == nil {
		req.LoginID = login.LoginID
		if !present["name"] {
			req.Name = login.Name
		}
		if !present["email"] {
			req.Email = login.Email
		}
		if !present["website"] {
			req.Website = login.Website
		}
	}
	return req
}

func (s *HTTPServer) currentLogin(r *http.Request) (session.Login, error) {
	cookie, err := r.Cookie(loginCookie)
	if err != nil {
		return session.Login{}, err
	}
	return s.service.SessionFromToken(r.Context(), cookie.Value)
}

// autoLogin creates a session from the identity that just posted, so the
// next comment form comes pre-filled. Failures only cost the cookie.
func (s *HTTPServer) autoLogin(w http.ResponseWriter, r *http.Request, req CommentRequest) {
	sess, err := s.service.Login(r.Context(), LoginRequest{
		Name:     req.Name,
		Email:    req.Email,
		Website:  req.Website,
		Password: req.Password,
		IP:       req.IP,
	})
	if err != nil {
		return
	}
	s.setLoginCookie(w, sess)
}

func (s *HTTPServer) setLoginCookie(w http.ResponseWriter, sess LoginSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.service.Config().SecureCookie,
		SameSite: s.cookieSameSite(),
	})
}

func (s *HTTPServer) clearLoginCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.service.Config().SecureCookie,
		SameSite: s.cookieSameSite(),
	})
}

// cookieSameSite returns None for HTTPS deployments since the widget is
// usually embedded cross-origin, and Lax for plain-HTTP development
// where None would be rejected.
func (s *HTTPServer) cookieSameSite() http.SameSite {
	if s.service.Config().SecureCookie {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// setFlash stores a one-time message the widget reads and clears on the
// next page load. Only used on the form transport.
func (s *HTTPServer) setFlash(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    url.QueryEscape(value),
		Path:     "/",
		MaxAge:   60,
		Secure:   s.service.Config().SecureCookie,
		SameSite: s.cookieSameSite(),
	})
}

// respondError is the error funnel for both transports. JSON clients get
// the error envelope; form clients get flash cookies and a redirect back
// to the page they came from.
func (s *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, values map[string]string, err error) {
	status, code, message, details := mapError(err)
	if wantsJSON(r) {
		writeError(w, status, code, message, details)
		return
	}
	s.setFlash(w, errorCookie, message)
	if field := fieldDetail(details); field != "" {
		s.setFlash(w, failedFieldCookie, field)
	}
	s.redirectBack(w, r, values["url"], "comments")
}

// redirectBack sends the browser to the page it posted from, with the
// anchor pointing at the new comment or back at the form on failure.
func (s *HTTPServer) redirectBack(w http.ResponseWriter, r *http.Request, pageURL, anchor string) {
	target := pageURL
	if target == "" {
		target = r.Referer()
	}
	if target == "" {
		target = s.service.Config().SiteURL
	}
	if target == "" {
		target = "/"
	}
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	if anchor != "" {
		target += "#" + anchor
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func fieldDetail(details any) string {
	if m, ok := details.(map[string]string); ok {
		return m["field"]
	}
	return ""
}

func trapValues(values map[string]string) map[string]string {
	trap := make(map[string]string, len(spam.TrapFields))
	for _, name := range spam.TrapFields {
		trap[name] = values[name]
	}
	return trap
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

func requestMode(r *http.Request) string {
	if wantsJSON(r) {
		return "api"
	}
	return "form"
}

func isJSON(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType) == "application/json"
}

// wantsJSON decides the response transport. Form posts made over XHR get
// the JSON envelope instead of a redirect.
func wantsJSON(r *http.Request) bool {
	return isJSON(r) || r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// requestValues decodes either transport into a flat value map plus a
// presence map, since an absent field and a submitted-empty field mean
// different things on edits.
func requestValues(r *http.Request) (map[string]string, map[string]bool, error) {
	values := map[string]string{}
	present := map[string]bool{}

	if isJSON(r) {
		if r.Body == nil {
			return values, present, nil
		}
		defer r.Body.Close()
		var raw map[string]any
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return values, present, nil
			}
			return nil, nil, fmt.Errorf("invalid JSON body")
		}
		for key, value := range raw {
			present[key] = true
			switch v := value.(type) {
			case string:
				values[key] = v
			case bool:
				values[key] = strconv.FormatBool(v)
			case float64:
				values[key] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		return values, present, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, nil, fmt.Errorf("invalid form body")
	}
	for key, vs := range r.PostForm {
		present[key] = true
		if len(vs) > 0 {
			values[key] = vs[0]
		}
	}
	return values, present, nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
