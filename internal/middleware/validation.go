package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageText validates a message body.
func ValidateMessageText(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(text) > 100000 { // ~100KB limit
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateJobID validates a job ID.
func ValidateJobID(id string) error {
	if len(id) == 0 {
		return errors.New("job ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("job ID exceeds maximum length")
	}
	return nil
}

// ValidateCallID validates a call session ID.
func ValidateCallID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid call ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateUserID validates a user ID.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}
