package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxContentLength = 100000
	maxIDLength      = 128
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a path identifier such as a conversation, request
// task or failed message id.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s id exceeds maximum length", kind)
	}
	if strings.ContainsAny(id, " \t\r\n/") {
		return fmt.Errorf("invalid %s id format", kind)
	}
	return nil
}

// ValidateLimit validates a list limit; zero means the caller's default.
func ValidateLimit(limit, max int) error {
	if limit < 0 {
		return errors.New("limit cannot be negative")
	}
	if limit > max {
		return fmt.Errorf("limit exceeds maximum of %d", max)
	}
	return nil
}
