// Package thread composes and decomposes comment identifiers. An
// identifier encodes its parent chain: "5" is the fifth root comment,
// "5-1" the first reply to it, "5-1-2" the second reply to "5-1".
package thread

import (
	"fmt"
	"strconv"
	"strings"
)

// AssignID builds the identifier for a new comment from its parent (empty
// for a root comment) and the next counter value for that parent.
func AssignID(parentID string, counter int) string {
	if parentID == "" {
		return strconv.Itoa(counter)
	}
	return parentID + "-" + strconv.Itoa(counter)
}

// ParentID returns the parent encoded in an identifier, or "" for a root
// comment.
func ParentID(id string) string {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// Depth is the reply nesting level: 0 for a root comment.
func Depth(id string) int {
	if id == "" {
		return 0
	}
	return strings.Count(id, "-")
}

// Valid reports whether an identifier is well formed: dash-separated
// positive integers.
func Valid(id string) bool {
	if id == "" {
		return false
	}
	for _, part := range strings.Split(id, "-") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return false
		}
	}
	return true
}

// ValidateParent fails unless parentID names an existing, non-deleted
// comment in the current thread.
func ValidateParent(parentID string, existing []string) error {
	for _, id := range existing {
		if id == parentID {
			return nil
		}
	}
	return fmt.Errorf("comment %q not found in thread", parentID)
}

// Permalink converts an identifier into its page anchor: dashes become
// "r" so the anchor survives fragment parsing, e.g. "5-1" -> "c5r1".
func Permalink(id string) string {
	return "c" + strings.ReplaceAll(id, "-", "r")
}
