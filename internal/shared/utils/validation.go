package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits (in bytes)
const (
	MaxJSONSize     = 1 * 1024 * 1024 // 1MB - inbound API payloads
	MaxArtifactSize = 512 * 1024      // 512KB - markup + script of one artifact
)

// String length limits (in characters)
const (
	MaxPromptLength = 2000
	MaxIDLength     = 128
	MaxTokenLength  = 8192
)

var (
	// SafeIDPattern allows alphanumeric, hyphens, underscores
	SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Null bytes never belong in prompts or ids
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateID validates an ID field
func ValidateID(id, fieldName string, required bool) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}

	if id != "" && !SafeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}

	return nil
}

// ValidatePrompt validates a simulation prompt. Surrounding whitespace is
// ignored; an all-whitespace prompt counts as empty.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return fmt.Errorf("prompt is required")
	}
	return ValidateString(trimmed, "prompt", 1, MaxPromptLength, true)
}

// ValidateToken validates an opaque bearer or refresh token
func ValidateToken(token, fieldName string) error {
	if err := ValidateString(token, fieldName, 1, MaxTokenLength, true); err != nil {
		return err
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return fmt.Errorf("%s must not contain whitespace", fieldName)
	}
	return nil
}

// Truncate shortens s to at most limit runes, appending an ellipsis when
// anything was cut
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
