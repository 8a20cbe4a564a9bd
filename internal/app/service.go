package app

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"murmur/api/internal/auth"
	"murmur/api/internal/config"
	"murmur/api/internal/credential"
	"murmur/api/internal/notify"
	"murmur/api/internal/sanitize"
	"murmur/api/internal/search"
	"murmur/api/internal/session"
	"murmur/api/internal/spam"
	"murmur/api/internal/store"
	"murmur/api/internal/thread"
)

type dataStore interface {
	EnsureThread(ctx context.Context, thread string) error
	ReadComment(ctx context.Context, thread, id string) (store.Comment, error)
	SaveComment(ctx context.Context, c store.Comment, isEdit bool) error
	DeleteComment(ctx context.Context, thread, id string, hard bool) error
	NextRootNumber(ctx context.Context, thread string) (int, error)
	NextReplyNumber(ctx context.Context, thread, parent string) (int, error)
	CommentIDs(ctx context.Context, thread string) ([]string, error)
	ListComments(ctx context.Context, thread string, includePending bool) ([]store.Comment, error)
	LatestComments(ctx context.Context, limit int) ([]store.Comment, error)
	Ping(ctx context.Context) error
}

type spamGate interface {
	Check(ctx context.Context, req spam.Request) error
	BlockAddress(ctx context.Context, ip string) error
	UnblockAddress(ctx context.Context, ip string) error
}

type sessionStore interface {
	SaveLogin(ctx context.Context, tokenHash string, login session.Login, expiresAt time.Time) error
	LookupLogin(ctx context.Context, tokenHash string) (session.Login, error)
	RevokeLogin(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type dispatcher interface {
	Dispatch(in notify.Input)
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexComment(rec search.CommentRecord)
	DeleteComment(threadName, id string)
}

// Service runs the comment pipeline. The delay function is injected so
// tests do not have to wait out the auth failure throttle.
type Service struct {
	cfg      config.Config
	store    dataStore
	creds    *credential.Service
	gate     spamGate
	sessions sessionStore
	notifier dispatcher
	search   searcher
	delay    func(ctx context.Context, d time.Duration)
	log      zerolog.Logger
}

func NewService(cfg config.Config, ds dataStore, creds *credential.Service, gate spamGate, sessions sessionStore, notifier dispatcher, searchSvc searcher, log zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    ds,
		creds:    creds,
		gate:     gate,
		sessions: sessions,
		notifier: notifier,
		search:   searchSvc,
		delay:    sleepDelay,
		log:      log,
	}
}

func sleepDelay(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Service) Config() config.Config {
	return s.cfg
}

// CommentRequest is a decoded submission. Present tracks which keys the
// client actually sent, since an absent field and an empty one behave
// differently on edits.
type CommentRequest struct {
	Thread    string
	Body      string
	ReplyTo   string
	Name      string
	Email     string
	Website   string
	Password  string
	Subscribe bool
	Status    string // only honored with the admin credential
	PageURL   string
	IP        string
	Mode      string // "api" or "form"
	Trap      map[string]string
	LoginID   string
	Present   map[string]bool
}

func (r CommentRequest) has(key string) bool {
	if r.Present == nil {
		return true
	}
	return r.Present[key]
}

// CommentView is the subset of a stored comment safe to return to
// clients. Credentials and the email ciphertext stay server-side.
type CommentView struct {
	Thread    string    `json:"thread"`
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Date      time.Time `json:"date"`
	Status    string    `json:"status"`
	Name      string    `json:"name,omitempty"`
	Website   string    `json:"website,omitempty"`
	EmailHash string    `json:"email_hash,omitempty"`
	Permalink string    `json:"permalink"`
}

func viewOf(c store.Comment) CommentView {
	return CommentView{
		Thread:    c.Thread,
		ID:        c.ID,
		Body:      c.Body,
		Date:      c.Date,
		Status:    string(c.Status),
		Name:      c.Name,
		Website:   c.Website,
		EmailHash: c.EmailHash,
		Permalink: thread.Permalink(c.ID),
	}
}

// PostComment screens, validates, assembles and persists a new comment
// or reply, then kicks off indexing and notifications.
func (s *Service) PostComment(ctx context.Context, req CommentRequest) (CommentView, error) {
	if err := s.checkSpam(ctx, req); err != nil {
		return CommentView{}, err
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		if req.ReplyTo != "" {
			return CommentView{}, validationError("A reply is required", "comment")
		}
		return CommentView{}, validationError("A comment is required", "comment")
	}
	s.applyFieldOptions(&req)
	if err := s.validateIdentity(req); err != nil {
		return CommentView{}, err
	}

	isAdmin := s.creds.VerifyAdmin(req.Password)
	rec, err := s.assemble(req, body, isAdmin)
	if err != nil {
		return CommentView{}, err
	}

	if err := s.store.EnsureThread(ctx, req.Thread); err != nil {
		s.log.Error().Err(err).Str("thread", req.Thread).Msg("ensure thread")
		return CommentView{}, postFailedError()
	}

	var parent *store.Comment
	if req.ReplyTo != "" {
		ids, err := s.store.CommentIDs(ctx, req.Thread)
		if err != nil {
			s.log.Error().Err(err).Msg("list comment ids")
			return CommentView{}, postFailedError()
		}
		if err := thread.ValidateParent(req.ReplyTo, ids); err != nil {
			return CommentView{}, validationError("The comment you are replying to no longer exists", "reply-to")
		}
		n, err := s.store.NextReplyNumber(ctx, req.Thread, req.ReplyTo)
		if err != nil {
			s.log.Error().Err(err).Msg("next reply number")
			return CommentView{}, postFailedError()
		}
		rec.ID = thread.AssignID(req.ReplyTo, n)
		if p, err := s.store.ReadComment(ctx, req.Thread, req.ReplyTo); err == nil {
			parent = &p
		}
	} else {
		n, err := s.store.NextRootNumber(ctx, req.Thread)
		if err != nil {
			s.log.Error().Err(err).Msg("next root number")
			return CommentView{}, postFailedError()
		}
		rec.ID = thread.AssignID("", n)
	}

	if err := s.store.SaveComment(ctx, rec, false); err != nil {
		s.log.Error().Err(err).Str("thread", rec.Thread).Str("id", rec.ID).Msg("save comment")
		return CommentView{}, postFailedError()
	}

	s.index(rec)
	s.notifier.Dispatch(notify.Input{
		Comment:        rec,
		Parent:         parent,
		SubmitterEmail: req.Email,
		PageURL:        req.PageURL,
		Permalink:      thread.Permalink(rec.ID),
	})
	return viewOf(rec), nil
}

// EditComment replaces the editable fields of an existing comment after
// proving the caller may touch it. Absent fields keep their stored
// values; present-but-empty fields are cleared.
func (s *Service) EditComment(ctx context.Context, req CommentRequest, id string) (CommentView, error) {
	if err := s.checkSpam(ctx, req); err != nil {
		return CommentView{}, err
	}
	original, authz, err := s.authorize(ctx, req, id)
	if err != nil {
		return CommentView{}, err
	}

	body := strings.TrimSpace(req.Body)
	if body == "" {
		return CommentView{}, validationError("A comment is required", "comment")
	}
	s.applyFieldOptions(&req)
	if err := s.validateIdentity(req); err != nil {
		return CommentView{}, err
	}

	sub := NewSubmission()
	sub.Set("body", sanitize.Clean(body))
	if req.has("name") {
		sub.Set("name", encodeField(req.Name))
	}
	if req.has("website") {
		sub.Set("website", encodeField(req.Website))
	}
	if req.has("subscribe") {
		if req.Subscribe {
			sub.Set("notifications", "yes")
		} else {
			sub.Set("notifications", "no")
		}
	}
	if req.has("password") {
		if req.Password == "" {
			sub.Set("password", "")
		} else if !authz.IsAdmin || authz.OwnerMatch {
			hash, err := s.creds.HashSecret(req.Password)
			if err != nil {
				s.log.Error().Err(err).Msg("hash password")
				return CommentView{}, postFailedError()
			}
			sub.Set("password", hash)
		}
	}
	if req.has("email") {
		if err := s.setEmailFields(sub, req); err != nil {
			return CommentView{}, err
		}
	}

	editable := editableFields
	if authz.IsAdmin && req.Status != "" {
		if st, perr := store.ParseStatus(req.Status); perr == nil {
			sub.Set("status", string(st))
			editable = append(append([]string{}, editable...), "status")
		}
	} else if s.cfg.PendsUserEdits && !authz.IsAdmin {
		sub.Set("status", string(store.StatusPending))
		editable = append(append([]string{}, editable...), "status")
	}

	merged := MergeComment(original, sub, editable, protectedFields, authz.OwnerMatch)
	if err := s.store.SaveComment(ctx, merged, true); err != nil {
		s.log.Error().Err(err).Str("thread", merged.Thread).Str("id", merged.ID).Msg("save edit")
		return CommentView{}, postFailedError()
	}
	s.index(merged)
	return viewOf(merged), nil
}

// DeleteComment removes a comment. Admins and unlink-configured sites
// delete the row outright; otherwise the comment is wiped in place so
// reply identifiers under it stay stable.
func (s *Service) DeleteComment(ctx context.Context, req CommentRequest, id string) error {
	if err := s.checkSpam(ctx, req); err != nil {
		return err
	}
	original, authz, err := s.authorize(ctx, req, id)
	if err != nil {
		return err
	}
	hard := authz.IsAdmin || s.cfg.UserDeletionsUnlink
	if err := s.store.DeleteComment(ctx, original.Thread, original.ID, hard); err != nil {
		s.log.Error().Err(err).Str("thread", original.Thread).Str("id", original.ID).Msg("delete comment")
		return postFailedError()
	}
	s.search.DeleteComment(original.Thread, original.ID)
	return nil
}

// authorize reads the target comment and checks the submitted password
// against it. Both a missing comment and a wrong password produce the
// same delayed, generic failure.
func (s *Service) authorize(ctx context.Context, req CommentRequest, id string) (store.Comment, credential.Authorization, error) {
	if !thread.Valid(id) {
		s.delay(ctx, s.cfg.AuthFailDelay)
		return store.Comment{}, credential.Authorization{}, postFailedError()
	}
	original, err := s.store.ReadComment(ctx, req.Thread, id)
	if err != nil {
		if !store.IsAbsent(err) {
			s.log.Error().Err(err).Str("thread", req.Thread).Str("id", id).Msg("read comment")
		}
		s.delay(ctx, s.cfg.AuthFailDelay)
		return store.Comment{}, credential.Authorization{}, postFailedError()
	}
	authz := s.creds.Authenticate(&original, req.Password)
	if !authz.Authorized {
		s.delay(ctx, s.cfg.AuthFailDelay)
		return store.Comment{}, credential.Authorization{}, postFailedError()
	}
	return original, authz, nil
}

func (s *Service) checkSpam(ctx context.Context, req CommentRequest) error {
	err := s.gate.Check(ctx, spam.Request{IP: req.IP, Mode: req.Mode, Trap: req.Trap})
	if err == nil {
		return nil
	}
	if errors.Is(err, spam.ErrBlocked) {
		return blockedError()
	}
	s.log.Error().Err(err).Msg("spam check")
	return postFailedError()
}

// applyFieldOptions blanks out identity fields the site has switched
// off, so a disabled field can never be smuggled in.
func (s *Service) applyFieldOptions(req *CommentRequest) {
	if s.cfg.NameField == config.FieldOff {
		req.Name = ""
	}
	if s.cfg.PasswordField == config.FieldOff {
		req.Password = ""
	}
	if s.cfg.EmailField == config.FieldOff {
		req.Email = ""
	}
	if s.cfg.WebsiteField == config.FieldOff {
		req.Website = ""
	}
}

func (s *Service) validateIdentity(req CommentRequest) error {
	type rule struct {
		field    string
		value    string
		option   config.FieldOption
		label    string
		format   validation.Rule
	}
	rules := []rule{
		{"name", req.Name, s.cfg.NameField, "name", nil},
		{"password", req.Password, s.cfg.PasswordField, "password", nil},
		{"email", req.Email, s.cfg.EmailField, "email", is.EmailFormat},
		{"website", req.Website, s.cfg.WebsiteField, "website", is.URL},
	}
	for _, r := range rules {
		if r.option == config.FieldRequired && r.value == "" {
			return validationError("The "+r.label+" field is required", r.field)
		}
		if r.value != "" && r.format != nil {
			if err := validation.Validate(r.value, r.format); err != nil {
				return validationError("The "+r.label+" field is invalid", r.field)
			}
		}
	}
	return nil
}

// assemble builds a fresh comment record from a validated request.
func (s *Service) assemble(req CommentRequest, body string, isAdmin bool) (store.Comment, error) {
	rec := store.Comment{
		Thread:        req.Thread,
		Body:          sanitize.Clean(body),
		Date:          time.Now().UTC(),
		Status:        store.StatusApproved,
		Notifications: "no",
	}
	if isAdmin && req.Status != "" {
		if st, err := store.ParseStatus(req.Status); err == nil {
			rec.Status = st
		}
	} else if s.cfg.UsesModeration && !isAdmin {
		rec.Status = store.StatusPending
	}
	if req.Name != "" {
		rec.Name = encodeField(req.Name)
	}
	if req.Website != "" {
		rec.Website = encodeField(req.Website)
	}
	if req.Password != "" {
		hash, err := s.creds.HashSecret(req.Password)
		if err != nil {
			s.log.Error().Err(err).Msg("hash password")
			return store.Comment{}, postFailedError()
		}
		rec.Password = hash
		if req.LoginID != "" {
			rec.LoginID = req.LoginID
		} else {
			rec.LoginID = uuid.NewString()
		}
	}
	if req.Email != "" {
		ciphertext, key, err := s.creds.EncryptEmail(req.Email)
		if err != nil {
			s.log.Error().Err(err).Msg("encrypt email")
			return store.Comment{}, postFailedError()
		}
		rec.Email = ciphertext
		rec.EncryptionKey = key
		rec.EmailHash = credential.EmailHash(req.Email)
		if req.Subscribe {
			rec.Notifications = "yes"
		}
	}
	if s.cfg.StoresIPAddress {
		rec.IPAddr = req.IP
	}
	return rec, nil
}

// setEmailFields updates the whole protected email triple together so
// the ciphertext, key and hash never drift apart.
func (s *Service) setEmailFields(sub *Submission, req CommentRequest) error {
	if req.Email == "" {
		sub.Set("email", "")
		sub.Set("encryption", "")
		sub.Set("email_hash", "")
		return nil
	}
	ciphertext, key, err := s.creds.EncryptEmail(req.Email)
	if err != nil {
		s.log.Error().Err(err).Msg("encrypt email")
		return postFailedError()
	}
	sub.Set("email", ciphertext)
	sub.Set("encryption", key)
	sub.Set("email_hash", credential.EmailHash(req.Email))
	return nil
}

func encodeField(value string) string {
	return html.EscapeString(strings.TrimSpace(value))
}

// LoginSession is handed back to the transport layer, which turns the
// token into a cookie.
type LoginSession struct {
	Token     string
	Login     session.Login
	ExpiresAt time.Time
}

type LoginRequest struct {
	Name     string
	Email    string
	Website  string
	Password string
	IP       string
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginSession, error) {
	if !s.cfg.AllowsLogin {
		return LoginSession{}, domainError(http.StatusForbidden, "LOGIN_DISABLED", "Logins are disabled", nil)
	}
	creq := CommentRequest{Name: req.Name, Email: req.Email, Website: req.Website, Password: req.Password}
	s.applyFieldOptions(&creq)
	if err := s.validateIdentity(creq); err != nil {
		return LoginSession{}, err
	}
	login := session.Login{
		LoginID:   uuid.NewString(),
		Name:      encodeField(creq.Name),
		Email:     creq.Email,
		Website:   encodeField(creq.Website),
		CreatedAt: time.Now().UTC(),
	}
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.CookieSecret), auth.Claims{
		LoginID: login.LoginID,
		Name:    login.Name,
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("issue login token")
		return LoginSession{}, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
	}
	if err := s.sessions.SaveLogin(ctx, auth.HashToken(token), login, expiresAt); err != nil {
		s.log.Error().Err(err).Msg("save login session")
		return LoginSession{}, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
	}
	return LoginSession{Token: token, Login: login, ExpiresAt: expiresAt}, nil
}

func (s *Service) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := s.sessions.RevokeLogin(ctx, auth.HashToken(token)); err != nil {
		s.log.Warn().Err(err).Msg("revoke login session")
	}
}

// SessionFromToken resolves a login cookie back to its session, checking
// both the signature and the server-side session record.
func (s *Service) SessionFromToken(ctx context.Context, token string) (session.Login, error) {
	if _, err := auth.ParseToken([]byte(s.cfg.CookieSecret), token); err != nil {
		return session.Login{}, err
	}
	return s.sessions.LookupLogin(ctx, auth.HashToken(token))
}

func (s *Service) ListComments(ctx context.Context, threadName string, includePending bool) ([]CommentView, error) {
	comments, err := s.store.ListComments(ctx, threadName, includePending)
	if err != nil {
		s.log.Error().Err(err).Str("thread", threadName).Msg("list comments")
		return nil, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
	}
	return views(comments), nil
}

func (s *Service) Latest(ctx context.Context, limit int) ([]CommentView, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	comments, err := s.store.LatestComments(ctx, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("latest comments")
		return nil, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
	}
	return views(comments), nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(q)
}

// BlockAddress and UnblockAddress manage the shared blocklist. They use
// the same delayed, generic failure as the comment pipeline when the
// admin credential does not match.
func (s *Service) BlockAddress(ctx context.Context, adminSecret, ip string) error {
	if !s.creds.VerifyAdmin(adminSecret) {
		s.delay(ctx, s.cfg.AuthFailDelay)
		return postFailedError()
	}
	if err := s.gate.BlockAddress(ctx, ip); err != nil {
		s.log.Error().Err(err).Str("ip", ip).Msg("block address")
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
	}
	return nil
}

func (s *Service) UnblockAddress(ctx context.Context, adminSecret, ip string) error {
	if !s.creds.VerifyAdmin(adminSecret) {
		s.delay(ctx, s.cfg.AuthFailDelay)
		return postFailedError()
	}
	if err := s.gate.UnblockAddress(ctx, ip); err != nil {
		s.log.Error().Err(err).Str("ip", ip).Msg("unblock address")
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.sessions.Ping(ctx)
}

func (s *Service) index(rec store.Comment) {
	if rec.Status == store.StatusDeleted {
		s.search.DeleteComment(rec.Thread, rec.ID)
		return
	}
	s.search.IndexComment(search.CommentRecord{
		Key:    search.RecordKey(rec.Thread, rec.ID),
		Thread: rec.Thread,
		ID:     rec.ID,
		Body:   rec.Body,
		Name:   rec.Name,
		Status: string(rec.Status),
	})
}

func views(comments []store.Comment) []CommentView {
	out := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		out = append(out, viewOf(c))
	}
	return out
}
