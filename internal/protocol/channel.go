package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// ChannelType classifies a channel by its name prefix.
type ChannelType int

const (
	ChannelPublic ChannelType = iota
	ChannelPrivate
	ChannelPresence
	ChannelPrivateEncrypted
)

func (t ChannelType) String() string {
	switch t {
	case ChannelPrivate:
		return "private"
	case ChannelPresence:
		return "presence"
	case ChannelPrivateEncrypted:
		return "private-encrypted"
	default:
		return "public"
	}
}

// RequiresAuth reports whether subscriptions need a signed auth token.
func (t ChannelType) RequiresAuth() bool {
	return t != ChannelPublic
}

// AllowsClientEvents reports whether client-* events may be published.
func (t ChannelType) AllowsClientEvents() bool {
	return t == ChannelPrivate || t == ChannelPresence || t == ChannelPrivateEncrypted
}

// channelNamePattern is the accepted channel-name charset.
var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-=@,.;]+$`)

// ChannelTypeOf derives the channel type from its name. Prefix matching is
// longest-first so private-encrypted- is not misread as private-.
func ChannelTypeOf(name string) ChannelType {
	switch {
	case strings.HasPrefix(name, "private-encrypted-"):
		return ChannelPrivateEncrypted
	case strings.HasPrefix(name, "private-"):
		return ChannelPrivate
	case strings.HasPrefix(name, "presence-"):
		return ChannelPresence
	default:
		return ChannelPublic
	}
}

// IsCacheChannel reports whether the channel caches its last event. The
// cache- marker sits after the type prefix, or leads the name for public
// channels.
func IsCacheChannel(name string) bool {
	return strings.HasPrefix(name, "cache-") ||
		strings.HasPrefix(name, "private-cache-") ||
		strings.HasPrefix(name, "private-encrypted-cache-") ||
		strings.HasPrefix(name, "presence-cache-")
}

// ValidateChannelName rejects names that are empty, too long, or outside the
// accepted charset.
func ValidateChannelName(name string, maxLength int) error {
	if name == "" {
		return fmt.Errorf("channel name is empty")
	}
	if maxLength > 0 && len(name) > maxLength {
		return fmt.Errorf("channel name exceeds %d characters", maxLength)
	}
	if !channelNamePattern.MatchString(name) {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}
