// Package sessionstate implements the Session Manager (spec §4.3): keyed
// session lifecycle, idle expiry, event dedup, and task/subtask tracking.
package sessionstate

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags which identity components a SessionKey addresses (spec §3).
type Kind string

const (
	KindChannel  Kind = "channel"
	KindChat     Kind = "chat"
	KindUser     Kind = "user"
	KindUserChat Kind = "user_chat"
)

// ErrInvalidKey is returned when a SessionKey violates an invariant, or
// when a canonical string fails to parse.
var ErrInvalidKey = errors.New("sessions: invalid session key")

// SessionKey canonically addresses a conversation (spec §3). Invariants:
// kind=chat requires non-empty ChatID; kind=user requires non-empty
// UserID; kind=user_chat requires both. A segment the kind does not
// serialize must be empty. No segment may itself contain a colon.
type SessionKey struct {
	Channel string
	Kind    Kind
	ChatID  string
	UserID  string
}

func hasColon(s string) bool { return strings.Contains(s, ":") }

// Validate checks the kind-specific invariants of spec §3.
func (k SessionKey) Validate() error {
	if k.Channel == "" {
		return fmt.Errorf("%w: empty channel", ErrInvalidKey)
	}
	for _, seg := range []string{k.Channel, k.ChatID, k.UserID} {
		if hasColon(seg) {
			return fmt.Errorf("%w: segment contains ':' (%q)", ErrInvalidKey, seg)
		}
	}
	switch k.Kind {
	case KindChannel:
		if k.ChatID != "" || k.UserID != "" {
			return fmt.Errorf("%w: kind=channel takes no chatId or userId", ErrInvalidKey)
		}
	case KindChat:
		if k.ChatID == "" {
			return fmt.Errorf("%w: kind=chat requires chatId", ErrInvalidKey)
		}
		if k.UserID != "" {
			return fmt.Errorf("%w: kind=chat takes no userId", ErrInvalidKey)
		}
	case KindUser:
		if k.UserID == "" {
			return fmt.Errorf("%w: kind=user requires userId", ErrInvalidKey)
		}
		if k.ChatID != "" {
			return fmt.Errorf("%w: kind=user takes no chatId", ErrInvalidKey)
		}
	case KindUserChat:
		if k.ChatID == "" || k.UserID == "" {
			return fmt.Errorf("%w: kind=user_chat requires chatId and userId", ErrInvalidKey)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

// String serializes the canonical key-string format (spec §4.3):
// "channelId:kind:chatId[:userId]".
func (k SessionKey) String() string {
	switch k.Kind {
	case KindUserChat:
		return fmt.Sprintf("%s:%s:%s:%s", k.Channel, k.Kind, k.ChatID, k.UserID)
	case KindUser:
		return fmt.Sprintf("%s:%s:%s", k.Channel, k.Kind, k.UserID)
	case KindChat:
		return fmt.Sprintf("%s:%s:%s", k.Channel, k.Kind, k.ChatID)
	default: // KindChannel
		return fmt.Sprintf("%s:%s", k.Channel, k.Kind)
	}
}

// ParseSessionKeyString parses the canonical key-string format, rejecting
// any input whose segments don't round-trip through String() (spec P8).
func ParseSessionKeyString(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return SessionKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	k := SessionKey{Channel: parts[0], Kind: Kind(parts[1])}
	switch k.Kind {
	case KindChannel:
		if len(parts) != 2 {
			return SessionKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
	case KindChat:
		if len(parts) != 3 {
			return SessionKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		k.ChatID = parts[2]
	case KindUser:
		if len(parts) != 3 {
			return SessionKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		k.UserID = parts[2]
	case KindUserChat:
		if len(parts) != 4 {
			return SessionKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		k.ChatID = parts[2]
		k.UserID = parts[3]
	default:
		return SessionKey{}, fmt.Errorf("%w: unknown kind in %q", ErrInvalidKey, s)
	}

	if err := k.Validate(); err != nil {
		return SessionKey{}, err
	}
	return k, nil
}
