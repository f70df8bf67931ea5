package delivery

import (
	"errors"
	"regexp"

	"broadcast-fleet/internal/models"
)

// Errors surfaced as categorized job failures. Raw transport detail
// never reaches end users; these messages do.
var (
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrMalformedBroadcast = errors.New("malformed broadcast payload")
)

// E.164-ish: optional +, no leading zero, 8-15 digits.
var phoneRe = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// validContact reports whether the target looks like a sendable phone
// number. Invalid contacts are counted as failures without aborting the
// broadcast.
func validContact(target string) bool {
	return phoneRe.MatchString(target)
}

// validateBroadcast rejects payloads no send can succeed from.
func validateBroadcast(b models.Broadcast) error {
	if b.DeviceID == "" {
		return ErrMalformedBroadcast
	}
	if b.Message == "" && (b.MediaRef == nil || *b.MediaRef == "") {
		return ErrMalformedBroadcast
	}
	return nil
}
