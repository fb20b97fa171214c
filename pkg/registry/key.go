package registry

import (
	"fmt"
	"strings"

	"github.com/dorabot/dorabot/pkg/models"
)

// MakeKey builds the canonical session key for a descriptor:
// channel ":" chat-type ":" sanitized chat id.
func MakeKey(d models.SessionDescriptor) string {
	return d.Channel + ":" + d.ChatType + ":" + SanitizeChatID(d.ChatID)
}

// SanitizeChatID rewrites a provider-assigned chat id so it cannot smuggle
// key separators or filesystem separators into a session key. Offending
// characters become '_' and leading/trailing underscores are trimmed.
func SanitizeChatID(id string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\':
			return '_'
		}
		return r
	}, id)
	return strings.Trim(sanitized, "_")
}

// ParseKey splits a session key back into its descriptor. Only the first
// two colons delimit; a sanitized chat id never contains one anyway.
func ParseKey(key string) (models.SessionDescriptor, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return models.SessionDescriptor{}, fmt.Errorf("malformed session key %q", key)
	}
	return models.SessionDescriptor{
		Channel:  parts[0],
		ChatType: parts[1],
		ChatID:   parts[2],
	}, nil
}
