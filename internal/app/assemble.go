package app

import (
	"murmur/api/internal/store"
)

// editableFields may be changed by any authorized editor of a comment.
var editableFields = []string{"body", "name", "notifications", "website"}

// protectedFields only change when the submitted password matched the
// stored hash directly, not via an admin override.
var protectedFields = []string{"password", "login_id", "email", "encryption", "email_hash"}

// Submission is a partial comment update. It remembers which fields were
// actually submitted, so an absent field can leave the stored value
// untouched while a present-but-empty field clears it.
type Submission struct {
	fields map[string]string
}

func NewSubmission() *Submission {
	return &Submission{fields: make(map[string]string)}
}

func (s *Submission) Set(key, value string) {
	s.fields[key] = value
}

func (s *Submission) Has(key string) bool {
	_, ok := s.fields[key]
	return ok
}

func (s *Submission) Get(key string) string {
	return s.fields[key]
}

// MergeComment applies the editable subset of a submission to a stored
// comment, plus the protected subset when ownership was proven. Fields
// outside both lists never change.
func MergeComment(original store.Comment, sub *Submission, editable, protected []string, ownerMatch bool) store.Comment {
	merged := original
	apply := func(keys []string) {
		for _, key := range keys {
			if sub.Has(key) {
				setField(&merged, key, sub.Get(key))
			}
		}
	}
	apply(editable)
	if ownerMatch {
		apply(protected)
	}
	return merged
}

func setField(c *store.Comment, key, value string) {
	switch key {
	case "body":
		c.Body = value
	case "name":
		c.Name = value
	case "notifications":
		c.Notifications = value
	case "website":
		c.Website = value
	case "status":
		c.Status = store.Status(value)
	case "password":
		c.Password = value
	case "login_id":
		c.LoginID = value
	case "email":
		c.Email = value
	case "encryption":
		c.EncryptionKey = value
	case "email_hash":
		c.EmailHash = value
	}
}
