package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RoomID validates a client-supplied external room id: 1-100 chars of
// [A-Za-z0-9_-].
func RoomID(id string) error {
	return ident("room id", id)
}

// PeerID validates a client-supplied peer id with the same rules as RoomID.
func PeerID(id string) error {
	return ident("peer id", id)
}

// DisplayName bounds a display name to 64 runes of valid UTF-8.
func DisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("display name must not be empty")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > 64 {
		return fmt.Errorf("display name must be at most 64 characters")
	}
	return nil
}

func ident(what, id string) error {
	if id == "" {
		return fmt.Errorf("%s must not be empty", what)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s must be at most 100 characters", what)
	}
	if !identPattern.MatchString(id) {
		return fmt.Errorf("%s may contain only letters, digits, '-' and '_'", what)
	}
	return nil
}
