package rce

import (
	"errors"
	"regexp"
)

var (
	ErrInvalidCfg = errors.New("rce: invalid options")
	ErrClosed     = errors.New("rce: master is closed")
)

// InvalidTag matches the characters forbidden in tags. Slashes separate
// the endpoint tag from the interface tag.
var InvalidTag = regexp.MustCompile(`[^A-Za-z0-9_\-\.]+`)

const maxTagLength = 128

func ValidateTag(tag string) bool {
	return len(tag) > 0 && len(tag) <= maxTagLength && !InvalidTag.MatchString(tag)
}
