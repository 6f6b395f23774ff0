package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/plume/pkg/model"
)

// Repository defines the interface for memory, conversation and usage
// persistence. Append operations must be visible to subsequent reads
// issued from the same process; cross-process consistency is eventual.
type Repository interface {
	// PutEntry saves a memory entry
	PutEntry(ctx context.Context, entry *model.MemoryEntry) error

	// GetEntry retrieves a memory entry by ID
	GetEntry(ctx context.Context, id model.EntryID) (*model.MemoryEntry, error)

	// ListEntries returns a conversation's entries in append order
	ListEntries(ctx context.Context, conversationID model.ConversationID) ([]*model.MemoryEntry, error)

	// SearchEntries returns up to limit entries of the identity ranked by
	// cosine similarity to the query embedding, most similar first. Ties
	// are broken by more recent creation. Entries scoring below threshold
	// are dropped. An empty conversationID widens the candidate set to
	// all of the identity's conversations.
	SearchEntries(ctx context.Context, identity model.Identity, conversationID model.ConversationID, embedding firestore.Vector32, threshold float64, limit int) ([]*model.MemoryEntry, error)

	// CountEntries returns the number of stored entries for an identity
	CountEntries(ctx context.Context, identity model.Identity) (int, error)

	// EvictEntries removes the identity's oldest entries until at most
	// capacity remain. The most recent half of the capacity is never
	// evicted. Returns the number of removed entries.
	EvictEntries(ctx context.Context, identity model.Identity, capacity int) (int, error)

	// PutConversation saves a conversation
	PutConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation retrieves a conversation by ID
	GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error)

	// ListConversations retrieves an identity's conversations, most
	// recently active first
	ListConversations(ctx context.Context, identity model.Identity, offset, limit int) ([]*model.Conversation, error)

	// ListIdleConversations returns unarchived conversations whose last
	// activity is before the given time, least recently active first
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*model.Conversation, error)

	// PutUsageEvent appends a usage event
	PutUsageEvent(ctx context.Context, event *model.UsageEvent) error

	// ListUsageEvents returns an identity's usage events within the time
	// range in chronological order
	ListUsageEvents(ctx context.Context, identity model.Identity, tr model.TimeRange) ([]*model.UsageEvent, error)

	// Close releases underlying resources
	Close() error
}
