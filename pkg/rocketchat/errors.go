package rocketchat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUserNotFound is returned by UserInfo for unknown usernames.
var ErrUserNotFound = errors.New("rocket.chat user not found")

// Rocket.Chat errorType values the synchronizer reacts to.
const (
	ErrTypeDuplicateChannelName = "error-duplicate-channel-name"
	ErrTypeInvalidUser          = "error-invalid-user"
	ErrTypeTooManyRequests      = "error-too-many-requests"
)

// APIError is an unsuccessful Rocket.Chat REST response.
// Callers can use errors.As to inspect it:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.Type == ErrTypeInvalidUser { ... }
type APIError struct {
	Method     string `json:"-"`
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Type       string `json:"errorType"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("rocketchat: %s (%d): %s: %s", e.Method, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("rocketchat: %s (%d): %s", e.Method, e.StatusCode, e.Message)
}

// IsAPIError checks whether err is an *APIError with the given errorType.
func IsAPIError(err error, errorType string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type == errorType
	}
	return false
}

// IsDuplicateName reports whether err is a room creation rejected because
// the name is already taken.
func IsDuplicateName(err error) bool {
	return IsAPIError(err, ErrTypeDuplicateChannelName)
}

func isUserNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Type == ErrTypeInvalidUser ||
		strings.Contains(strings.ToLower(apiErr.Message), "user not found")
}
