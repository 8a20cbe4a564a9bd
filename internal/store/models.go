package store

import (
	"fmt"
	"time"
)

// Status is the moderation state of a comment.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusDeleted  Status = "deleted"
)

// ParseStatus rejects anything outside the fixed status vocabulary.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusApproved, StatusPending, StatusDeleted:
		return Status(value), nil
	}
	return "", fmt.Errorf("unknown status %q", value)
}

// Comment is the stored unit of display data. The ID is scoped to its
// thread and encodes ancestry: "5" is a root comment, "5-1" its first
// reply, "5-1-2" the second reply to that reply.
type Comment struct {
	Thread        string
	ID            string
	Body          string
	Date          time.Time
	Status        Status
	Name          string
	Website       string
	Password      string // bcrypt hash, opaque beyond verification
	LoginID       string
	Email         string // AES-GCM ciphertext, base64
	EncryptionKey string // hex key material for Email
	EmailHash     string
	Notifications string // "yes" or "no"
	IPAddr        string
}
