package model

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type ConversationID string

// NewConversationID generates a new unique ConversationID
func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

// Conversation groups the memory entries of one session. It is created on
// the first turn, extended on each subsequent turn, and becomes read-only
// once archived.
type Conversation struct {
	ID           ConversationID
	Identity     Identity
	Title        string
	EntryIDs     []EntryID
	CreatedAt    time.Time
	LastActiveAt time.Time
	Archived     bool
}

// Clone returns a copy that shares no mutable state with the receiver.
// Repositories hand out clones so a caller appending entry IDs never
// races another reader of the same conversation.
func (c *Conversation) Clone() *Conversation {
	dup := *c
	dup.EntryIDs = append([]EntryID(nil), c.EntryIDs...)
	return &dup
}

// Touch advances LastActiveAt. It never moves the timestamp backwards.
func (c *Conversation) Touch(now time.Time) {
	if now.After(c.LastActiveAt) {
		c.LastActiveAt = now
	}
}

const maxTitleRunes = 80

// TitleFromMessage derives a conversation title from its first user
// message, truncated to a displayable length.
func TitleFromMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= maxTitleRunes {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:maxTitleRunes]) + "..."
}
