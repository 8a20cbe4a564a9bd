// Package notify decides who hears about a new comment and formats the
// plain-text messages.
package notify

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mitchellh/go-wordwrap"
	"github.com/rs/zerolog"

	"murmur/api/internal/credential"
	"murmur/api/internal/store"
)

const wrapWidth = 66

// Mailer is the outbound transport; delivery is fire-and-forget from the
// dispatcher's perspective.
type Mailer interface {
	Send(to, subject, body, fromLine, replyTo string) error
	IsConfigured() bool
}

// Input describes one persisted comment to possibly announce.
type Input struct {
	Comment        store.Comment
	Parent         *store.Comment // nil unless the comment is a reply
	SubmitterEmail string         // plaintext from the request, never stored
	PageURL        string
	Permalink      string
}

type Config struct {
	Domain            string
	DefaultName       string
	WebmasterEmail    string
	NoreplyEmail      string
	AllowsUserReplies bool
}

type Dispatcher struct {
	mailer Mailer
	creds  *credential.Service
	cfg    Config
	strip  *bluemonday.Policy
	log    zerolog.Logger
}

func NewDispatcher(mailer Mailer, creds *credential.Service, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mailer: mailer,
		creds:  creds,
		cfg:    cfg,
		strip:  bluemonday.StrictPolicy(),
		log:    log,
	}
}

// Dispatch sends the notifications a comment warrants. Failures are
// logged and swallowed; a notification must never affect the perceived
// success of a submission.
func (d *Dispatcher) Dispatch(in Input) {
	if !d.mailer.IsConfigured() {
		return
	}

	fromName := in.Comment.Name
	if fromName == "" {
		fromName = d.cfg.DefaultName
	}
	body := d.PlainBody(in.Comment.Body)

	var replyQuote string
	if in.Parent != nil {
		parentName := in.Parent.Name
		if parentName == "" {
			parentName = d.cfg.DefaultName
		}
		replyQuote = "In reply to " + parentName + ":\n\n" + d.PlainBody(in.Parent.Body) + "\n\n"
		d.notifyParent(in, fromName, body)
	}

	d.notifyWebmaster(in, fromName, body, replyQuote)
}

func (d *Dispatcher) notifyWebmaster(in Input, fromName, body, replyQuote string) {
	if d.cfg.WebmasterEmail == "" {
		return
	}
	// Never notify the webmaster about their own comments
	if in.SubmitterEmail != "" && in.SubmitterEmail == d.cfg.WebmasterEmail {
		return
	}

	fromLine := fromName
	if in.SubmitterEmail != "" {
		fromLine += " <" + in.SubmitterEmail + ">"
	}

	subject := d.cfg.Domain + " - New Comment"
	message := d.message(fromLine, body, replyQuote, in.PageURL, in.Permalink)
	if err := d.mailer.Send(d.cfg.WebmasterEmail, subject, message, "", d.cfg.NoreplyEmail); err != nil {
		d.log.Warn().Err(err).Msg("webmaster notification failed")
	}
}

func (d *Dispatcher) notifyParent(in Input, fromName, body string) {
	parent := in.Parent
	if parent.Notifications != "yes" || parent.Email == "" || parent.EncryptionKey == "" {
		return
	}

	parentEmail, err := d.creds.DecryptEmail(parent.Email, parent.EncryptionKey)
	if err != nil {
		d.log.Warn().Err(err).Str("comment", parent.ID).Msg("parent email decrypt failed")
		return
	}
	// No self-notification when replying to your own comment
	if parentEmail == in.SubmitterEmail {
		return
	}

	fromLine := fromName
	replyTo := d.cfg.NoreplyEmail
	if d.cfg.AllowsUserReplies && in.SubmitterEmail != "" {
		fromLine += " <" + in.SubmitterEmail + ">"
		replyTo = in.SubmitterEmail
	}

	parentName := parent.Name
	if parentName == "" {
		parentName = d.cfg.DefaultName
	}
	replyQuote := "In reply to " + parentName + ":\n\n" + d.PlainBody(parent.Body) + "\n\n"

	subject := d.cfg.Domain + " - New Reply"
	message := d.message(fromLine, body, replyQuote, in.PageURL, in.Permalink)
	if err := d.mailer.Send(parentEmail, subject, message, fromName, replyTo); err != nil {
		d.log.Warn().Err(err).Msg("reply notification failed")
	}
}

func (d *Dispatcher) message(fromLine, body, replyQuote, pageURL, permalink string) string {
	var b strings.Builder
	b.WriteString("From " + fromLine + ":\n\n")
	b.WriteString(body + "\n\n")
	if replyQuote != "" {
		b.WriteString(replyQuote)
	}
	b.WriteString("----\n\n")
	b.WriteString("Permalink: " + pageURL + "#" + permalink + "\n\n")
	b.WriteString("Page: " + pageURL)
	return b.String()
}

// PlainBody renders a sanitized comment body as quoted plain text: tags
// stripped, entities decoded, wrapped at a fixed width and indented.
func (d *Dispatcher) PlainBody(body string) string {
	text := html.UnescapeString(d.strip.Sanitize(body))
	return indentWrap(text)
}

func indentWrap(text string) string {
	wrapped := wordwrap.WrapString(text, wrapWidth)
	paragraphs := strings.Split(wrapped, "\n\n")
	for i, paragraph := range paragraphs {
		lines := strings.Split(paragraph, "\n")
		for j, line := range lines {
			lines[j] = "    " + line
		}
		paragraphs[i] = strings.Join(lines, "\n")
	}
	return strings.Join(paragraphs, "\n\n")
}
