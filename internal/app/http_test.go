package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"murmur/api/internal/config"
	"murmur/api/internal/spam"
	"murmur/api/internal/store"
)

func newTestServer(t *testing.T, cfg config.Config) (*HTTPServer, *testEnv) {
	t.Helper()
	env := newTestEnv(t, cfg)
	return NewHTTPServer(env.svc, []string{"*"}, zerolog.Nop()), env
}

func postJSON(t *testing.T, server *HTTPServer, path string, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func postForm(t *testing.T, server *HTTPServer, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return payload
}

func cookieValue(w *httptest.ResponseRecorder, name string) (string, bool) {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeResponse(t, w)["ok"] != true {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestPostCommentJSON(t *testing.T) {
	server, env := newTestServer(t, config.Config{})
	var saved store.Comment
	env.store.saveComment = func(ctx context.Context, c store.Comment, isEdit bool) error {
		saved = c
		return nil
	}

	w := postJSON(t, server, "/api/threads/blog-post/comments", map[string]any{
		"comment": "hello <b>world",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	payload := decodeResponse(t, w)
	comment, ok := payload["comment"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %v", payload)
	}
	if comment["id"] != "1" || comment["permalink"] != "c1" {
		t.Fatalf("comment = %v", comment)
	}
	if saved.Body != "hello <b>world</b>" {
		t.Fatalf("saved body = %q", saved.Body)
	}
}

func TestPostCommentFormRedirects(t *testing.T) {
	server, _ := newTestServer(t, config.Config{})
	w := postForm(t, server, "/api/threads/blog-post/comments", url.Values{
		"comment": {"hello"},
		"url":     {"https://example.com/post"},
	})

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "https://example.com/post#c1" {
		t.Fatalf("location = %q", loc)
	}
	if _, ok := cookieValue(w, messageCookie); !ok {
		t.Fatal("no flash message cookie set")
	}
}

func TestPostCommentXHRFormGetsJSON(t *testing.T) {
	server, _ := newTestServer(t, config.Config{})
	form := url.Values{"comment": {"hello"}}
	req := httptest.NewRequest(http.MethodPost, "/api/threads/blog-post/comments",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	comment, ok := decodeResponse(t, w)["comment"].(map[string]any)
	if !ok || comment["id"] != "1" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestPostCommentJSONValidationError(t *testing.T) {
	server, _ := newTestServer(t, config.Config{})
	w := postJSON(t, server, "/api/threads/blog-post/comments", map[string]any{
		"comment": "",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	payload := decodeResponse(t, w)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("payload = %v", payload)
	}
	details, ok := payload["details"].(map[string]any)
	if !ok || details["field"] != "comment" {
		t.Fatalf("details = %v", payload["details"])
	}
}

func TestFormFailureSetsFlashAndRedirects(t *testing.T) {
	server, _ := newTestServer(t, config.Config{})
	w := postForm(t, server, "/api/threads/blog-post/comments", url.Values{
		"comment": {""},
		"url":     {"https://example.com/post"},
	})

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://example.com/post#comments" {
		t.Fatalf("location = %q", loc)
	}
	if _, ok := cookieValue(w, errorCookie); !ok {
		t.Fatal("no flash error cookie set")
	}
	if field, ok := cookieValue(w, failedFieldCookie); !ok || field != "comment" {
		t.Fatalf("failed-field cookie = %q, %v", field, ok)
	}
}

func TestBlockedSubmissionIsForbidden(t *testing.T) {
	server, env := newTestServer(t, config.Config{})
	env.gate.err = spam.ErrBlocked

	w := postJSON(t, server, "/api/threads/blog-post/comments", map[string]any{
		"comment": "buy stuff",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeResponse(t, w)["code"] != "BLOCKED" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestTrapFieldsForwardedToGate(t *testing.T) {
	server, env := newTestServer(t, config.Config{})
	var gotTrap map[string]string
	realGate := env.gate
	env.svc.gate = gateFunc(func(ctx context.Context, req spam.Request) error {
		gotTrap = req.Trap
		return realGate.Check(ctx, req)
	})

	postJSON(t, server, "/api/threads/blog-post/comments", map[string]any{
		"comment": "hello",
		"age":     "35",
	})
	if gotTrap["age"] != "35" {
		t.Fatalf("trap values = %v", gotTrap)
	}
}

func TestDeleteCommentJSON(t *testing.T) {
	server, env := newTestServer(t, config.Config{})
	rec := ownedComment(t, env, "owner-secret")
	env.store.readComment = func(ctx context.Context, thread, id string) (store.Comment, error) {
		return rec, nil
	}

	w := postJSON(t, server, "/api/threads/blog-post/comments/3/delete", map[string]any{
		"password": "owner-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if decodeResponse(t, w)["ok"] != true {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestLoginSetsCookieAndSessionResolves(t *testing.T) {
	server, _ := newTestServer(t, config.Config{AllowsLogin: true})
	w := postJSON(t, server, "/api/login", map[string]any{
		"name":     "Avery",
		"password": "secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	token, ok := cookieValue(w, loginCookie)
	if !ok || token == "" {
		t.Fatal("no login cookie set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: loginCookie, Value: token})
	sw := httptest.NewRecorder()
	server.Handler().ServeHTTP(sw, req)

	payload := decodeResponse(t, sw)
	if payload["authenticated"] != true || payload["name"] != "Avery" {
		t.Fatalf("session payload = %v", payload)
	}
}

func TestListCommentsJSON(t *testing.T) {
	server, env := newTestServer(t, config.Config{})
	env.store.listComments = func(ctx context.Context, thread string, includePending bool) ([]store.Comment, error) {
		if includePending {
			t.Fatal("anonymous listing included pending comments")
		}
		return []store.Comment{baseComment()}, nil
	}

	req := httptest.NewRequest(http.MethodGet, "/api/threads/blog-post/comments", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	payload := decodeResponse(t, w)
	comments, ok := payload["comments"].([]any)
	if !ok || len(comments) != 1 {
		t.Fatalf("payload = %v", payload)
	}
	comment := comments[0].(map[string]any)
	for _, hidden := range []string{"password", "login_id", "email", "encryption"} {
		if _, present := comment[hidden]; present {
			t.Fatalf("credential field %q leaked: %v", hidden, comment)
		}
	}
}

func TestUnknownRouteNotFound(t *testing.T) {
	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// gateFunc adapts a bare function to the spamGate interface for tests
// that only need Check.
type gateFunc func(ctx context.Context, req spam.Request) error

func (f gateFunc) Check(ctx context.Context, req spam.Request) error { return f(ctx, req) }

func (f gateFunc) BlockAddress(ctx context.Context, ip string) error { return nil }

func (f gateFunc) UnblockAddress(ctx context.Context, ip string) error { return nil }
