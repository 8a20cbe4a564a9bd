package notify

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"murmur/api/internal/credential"
	"murmur/api/internal/store"
)

type sentMail struct {
	to, subject, body, fromLine, replyTo string
}

type fakeMailer struct {
	configured bool
	sent       []sentMail
}

func (m *fakeMailer) Send(to, subject, body, fromLine, replyTo string) error {
	m.sent = append(m.sent, sentMail{to, subject, body, fromLine, replyTo})
	return nil
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func testDispatcher(mailer *fakeMailer, allowsReplies bool) (*Dispatcher, *credential.Service) {
	creds := credential.NewService("")
	cfg := Config{
		Domain:            "example.com",
		DefaultName:       "Anonymous",
		WebmasterEmail:    "webmaster@example.com",
		NoreplyEmail:      "noreply@example.com",
		AllowsUserReplies: allowsReplies,
	}
	return NewDispatcher(mailer, creds, cfg, zerolog.Nop()), creds
}

func subscribedParent(t *testing.T, creds *credential.Service, email string) *store.Comment {
	t.Helper()
	ciphertext, key, err := creds.EncryptEmail(email)
	if err != nil {
		t.Fatalf("EncryptEmail() = %v", err)
	}
	return &store.Comment{
		ID:            "1",
		Name:          "Parent",
		Body:          "original comment",
		Email:         ciphertext,
		EncryptionKey: key,
		Notifications: "yes",
	}
}

func TestDispatchSkipsWhenMailerUnconfigured(t *testing.T) {
	mailer := &fakeMailer{configured: false}
	d, _ := testDispatcher(mailer, false)

	d.Dispatch(Input{Comment: store.Comment{Body: "hello"}, PageURL: "https://example.com/post"})
	if len(mailer.sent) != 0 {
		t.Fatalf("sent %d messages with no mailer configured", len(mailer.sent))
	}
}

func TestDispatchNotifiesWebmaster(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d, _ := testDispatcher(mailer, false)

	d.Dispatch(Input{
		Comment:        store.Comment{ID: "3", Name: "Visitor", Body: "hello there"},
		SubmitterEmail: "visitor@example.com",
		PageURL:        "https://example.com/post",
		Permalink:      "c3",
	})

	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mailer.sent))
	}
	mail := mailer.sent[0]
	if mail.to != "webmaster@example.com" {
		t.Fatalf("to = %q", mail.to)
	}
	if mail.subject != "example.com - New Comment" {
		t.Fatalf("subject = %q", mail.subject)
	}
	if !strings.Contains(mail.body, "From Visitor <visitor@example.com>:") {
		t.Fatalf("body missing From line:\n%s", mail.body)
	}
	if !strings.Contains(mail.body, "Permalink: https://example.com/post#c3") {
		t.Fatalf("body missing permalink:\n%s", mail.body)
	}
}

func TestDispatchSkipsWebmasterOwnComment(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d, _ := testDispatcher(mailer, false)

	d.Dispatch(Input{
		Comment:        store.Comment{ID: "3", Body: "note to self"},
		SubmitterEmail: "webmaster@example.com",
		PageURL:        "https://example.com/post",
	})
	if len(mailer.sent) != 0 {
		t.Fatalf("webmaster notified about own comment: %+v", mailer.sent)
	}
}

func TestDispatchNotifiesSubscribedParent(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d, creds := testDispatcher(mailer, false)
	parent := subscribedParent(t, creds, "parent@example.com")

	d.Dispatch(Input{
		Comment:        store.Comment{ID: "1-1", Name: "Replier", Body: "a reply"},
		Parent:         parent,
		SubmitterEmail: "replier@example.com",
		PageURL:        "https://example.com/post",
		Permalink:      "c1r1",
	})

	if len(mailer.sent) != 2 {
		t.Fatalf("sent %d messages, want parent + webmaster", len(mailer.sent))
	}
	reply := mailer.sent[0]
	if reply.to != "parent@example.com" {
		t.Fatalf("reply to = %q", reply.to)
	}
	if reply.subject != "example.com - New Reply" {
		t.Fatalf("reply subject = %q", reply.subject)
	}
	if !strings.Contains(reply.body, "In reply to Parent:") {
		t.Fatalf("reply body missing quote:\n%s", reply.body)
	}
	// Replies route through the noreply address unless user replies are on
	if reply.replyTo != "noreply@example.com" {
		t.Fatalf("replyTo = %q", reply.replyTo)
	}
}

func TestDispatchUserRepliesExposeAddress(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d, creds := testDispatcher(mailer, true)
	parent := subscribedParent(t, creds, "parent@example.com")

	d.Dispatch(Input{
		Comment:        store.Comment{ID: "1-1", Name: "Replier", Body: "a reply"},
		Parent:         parent,
		SubmitterEmail: "replier@example.com",
		PageURL:        "https://example.com/post",
	})

	if len(mailer.sent) < 1 {
		t.Fatal("no messages sent")
	}
	if mailer.sent[0].replyTo != "replier@example.com" {
		t.Fatalf("replyTo = %q, want submitter address", mailer.sent[0].replyTo)
	}
}

func TestDispatchSkipsSelfReply(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d, creds := testDispatcher(mailer, false)
	parent := subscribedParent(t, creds, "same@example.com")

	d.Dispatch(Input{
		Comment:        store.Comment{ID: "1-1", Body: "replying to myself"},
		Parent:         parent,
		SubmitterEmail: "same@example.com",
		PageURL:        "https://example.com/post",
	})

	for _, mail := range mailer.sent {
		if mail.to == "same@example.com" {
			t.Fatalf("self-notification sent: %+v", mail)
		}
	}
}

func TestDispatchSkipsUnsubscribedParent(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d, creds := testDispatcher(mailer, false)
	parent := subscribedParent(t, creds, "parent@example.com")
	parent.Notifications = "no"

	d.Dispatch(Input{
		Comment:        store.Comment{ID: "1-1", Body: "a reply"},
		Parent:         parent,
		SubmitterEmail: "replier@example.com",
		PageURL:        "https://example.com/post",
	})
	for _, mail := range mailer.sent {
		if mail.to == "parent@example.com" {
			t.Fatalf("unsubscribed parent notified: %+v", mail)
		}
	}
}

func TestPlainBodyStripsTagsAndWraps(t *testing.T) {
	d, _ := testDispatcher(&fakeMailer{configured: true}, false)

	long := strings.Repeat("word ", 30)
	got := d.PlainBody("<b>" + long + "</b>")
	if strings.Contains(got, "<b>") {
		t.Fatalf("PlainBody() kept markup: %q", got)
	}
	for _, line := range strings.Split(got, "\n") {
		if !strings.HasPrefix(line, "    ") {
			t.Fatalf("line not indented: %q", line)
		}
		if len(line) > wrapWidth+4 {
			t.Fatalf("line exceeds wrap width: %q", line)
		}
	}
}

func TestPlainBodyDecodesEntities(t *testing.T) {
	d, _ := testDispatcher(&fakeMailer{configured: true}, false)
	got := d.PlainBody("a &quot;quoted&quot; word")
	if !strings.Contains(got, `a "quoted" word`) {
		t.Fatalf("PlainBody() = %q", got)
	}
}
