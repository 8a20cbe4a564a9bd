package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// validationError carries the name of the form field the widget should
// emphasize on redisplay.
func validationError(message, field string) *DomainError {
	var details any
	if field != "" {
		details = map[string]string{"field": field}
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// blockedError is identical for every spam rule so a sender cannot tell
// which one matched.
func blockedError() *DomainError {
	return domainError(http.StatusForbidden, "BLOCKED", "You are blocked!", nil)
}

// postFailedError is the generic outcome for authorization and
// persistence failures on the comment pipeline. It never reveals whether
// the comment existed or which check failed.
func postFailedError() *DomainError {
	return domainError(http.StatusForbidden, "POST_FAILED", "Comment failed to post!", nil)
}
