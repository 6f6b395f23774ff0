package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

type EntryID string

// NewEntryID generates a new unique EntryID
func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Validate checks if the role is valid
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return nil
	default:
		return ErrInvalidRole
	}
}

// MemoryEntry is one stored utterance with its embedding. Entries are
// immutable once written and belong to exactly one conversation and one
// identity. Eviction removes whole entries, never parts of them.
type MemoryEntry struct {
	ID             EntryID
	Identity       Identity
	ConversationID ConversationID
	Role           Role
	Text           string
	Embedding      firestore.Vector32
	CreatedAt      time.Time
}

// HasEmbedding reports whether the entry can serve as a similarity
// search candidate.
func (x *MemoryEntry) HasEmbedding() bool {
	return len(x.Embedding) > 0
}
