package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
)

// Memory is an in-memory Repository. It is the default engine and the
// backbone of unit tests. All operations are safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	entries       map[model.EntryID]*model.MemoryEntry
	entrySeq      map[model.EntryID]int64
	byIdentity    map[model.Identity][]model.EntryID
	conversations map[model.ConversationID]*model.Conversation
	events        []*model.UsageEvent
	seq           int64
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		entries:       make(map[model.EntryID]*model.MemoryEntry),
		entrySeq:      make(map[model.EntryID]int64),
		byIdentity:    make(map[model.Identity][]model.EntryID),
		conversations: make(map[model.ConversationID]*model.Conversation),
	}
}

func validateEntry(entry *model.MemoryEntry) error {
	if entry == nil {
		return goerr.Wrap(model.ErrInvalidInput, "entry is nil")
	}
	if entry.ID == "" || entry.Identity == "" || entry.ConversationID == "" {
		return goerr.Wrap(model.ErrInvalidInput, "entry ID, identity and conversation ID are required")
	}
	if err := entry.Role.Validate(); err != nil {
		return err
	}
	return nil
}

func (r *Memory) PutEntry(ctx context.Context, entry *model.MemoryEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.entries[entry.ID] = entry
	r.entrySeq[entry.ID] = r.seq
	r.byIdentity[entry.Identity] = append(r.byIdentity[entry.Identity], entry.ID)

	return nil
}

func (r *Memory) GetEntry(ctx context.Context, id model.EntryID) (*model.MemoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, goerr.New("entry not found", goerr.Value("id", id))
	}
	return entry, nil
}

func (r *Memory) ListEntries(ctx context.Context, conversationID model.ConversationID) ([]*model.MemoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*model.MemoryEntry
	for _, entry := range r.entries {
		if entry.ConversationID == conversationID {
			results = append(results, entry)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return r.entrySeq[results[i].ID] < r.entrySeq[results[j].ID]
	})

	return results, nil
}

func (r *Memory) SearchEntries(ctx context.Context, identity model.Identity, conversationID model.ConversationID, embedding firestore.Vector32, threshold float64, limit int) ([]*model.MemoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []scoredEntry
	for _, id := range r.byIdentity[identity] {
		entry := r.entries[id]
		if conversationID != "" && entry.ConversationID != conversationID {
			continue
		}
		if !entry.HasEmbedding() {
			continue
		}
		candidates = append(candidates, scoredEntry{
			entry: entry,
			sim:   cosineSimilarity(embedding, entry.Embedding),
			seq:   r.entrySeq[id],
		})
	}

	return rankEntries(candidates, threshold, limit), nil
}

func (r *Memory) CountEntries(ctx context.Context, identity model.Identity) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]), nil
}

func (r *Memory) EvictEntries(ctx context.Context, identity model.Identity, capacity int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byIdentity[identity]
	n := maxEvictable(len(ids), capacity)
	if n == 0 {
		return 0, nil
	}

	for _, id := range ids[:n] {
		entry := r.entries[id]
		delete(r.entries, id)
		delete(r.entrySeq, id)
		if conv, ok := r.conversations[entry.ConversationID]; ok {
			conv.EntryIDs = removeEntryID(conv.EntryIDs, id)
		}
	}
	r.byIdentity[identity] = append([]model.EntryID(nil), ids[n:]...)

	return n, nil
}

func removeEntryID(ids []model.EntryID, target model.EntryID) []model.EntryID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (r *Memory) PutConversation(ctx context.Context, conv *model.Conversation) error {
	if conv == nil || conv.ID == "" || conv.Identity == "" {
		return goerr.Wrap(model.ErrInvalidInput, "conversation ID and identity are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy so later mutation of the argument cannot leak in
	r.conversations[conv.ID] = conv.Clone()
	return nil
}

func (r *Memory) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrConversationNotFound, "no such conversation", goerr.Value("id", id))
	}
	return conv.Clone(), nil
}

func (r *Memory) ListConversations(ctx context.Context, identity model.Identity, offset, limit int) ([]*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*model.Conversation
	for _, conv := range r.conversations {
		if conv.Identity == identity {
			results = append(results, conv.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastActiveAt.After(results[j].LastActiveAt)
	})

	return paginate(results, offset, limit), nil
}

func (r *Memory) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*model.Conversation
	for _, conv := range r.conversations {
		if !conv.Archived && conv.LastActiveAt.Before(before) {
			results = append(results, conv.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastActiveAt.Before(results[j].LastActiveAt)
	})

	return paginate(results, 0, limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (r *Memory) PutUsageEvent(ctx context.Context, event *model.UsageEvent) error {
	if event == nil {
		return goerr.Wrap(model.ErrInvalidInput, "event is nil")
	}
	if err := event.Outcome.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy so recorded events stay immutable
	ev := *event
	r.events = append(r.events, &ev)
	return nil
}

func (r *Memory) ListUsageEvents(ctx context.Context, identity model.Identity, tr model.TimeRange) ([]*model.UsageEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*model.UsageEvent
	for _, ev := range r.events {
		if ev.Identity == identity && tr.Contains(ev.Timestamp) {
			results = append(results, ev)
		}
	}
	return results, nil
}

func (r *Memory) Close() error {
	return nil
}
