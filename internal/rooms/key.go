package rooms

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the room scopes.
type Kind string

const (
	KindWorkspace    Kind = "workspace"
	KindConversation Kind = "conversation"
	KindDocument     Kind = "document"
)

const maxRoomIDLength = 190

// ErrInvalidKey indicates a malformed room key.
var ErrInvalidKey = errors.New("rooms: invalid room key")

// Key identifies a room by scope and id.
type Key struct {
	Kind Kind
	ID   string
}

// WorkspaceKey returns the key of a workspace room.
func WorkspaceKey(id string) Key {
	return Key{Kind: KindWorkspace, ID: id}
}

// ConversationKey returns the key of a conversation room.
func ConversationKey(id string) Key {
	return Key{Kind: KindConversation, ID: id}
}

// DocumentKey returns the key of a document room.
func DocumentKey(id string) Key {
	return Key{Kind: KindDocument, ID: id}
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Validate checks the kind and id bounds.
func (k Key) Validate() error {
	switch k.Kind {
	case KindWorkspace, KindConversation, KindDocument:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	id := strings.TrimSpace(k.ID)
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidKey)
	}
	if len(id) > maxRoomIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidKey, maxRoomIDLength)
	}
	return nil
}
