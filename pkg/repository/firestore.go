package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionEntries       = "memory_entries"
	collectionConversations = "conversations"
	collectionUsageEvents   = "usage_events"
)

// Firestore implements Repository using Cloud Firestore. Entry recall
// uses the native vector index for candidate selection; final ordering
// and threshold filtering happen in-process.
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.Value("projectID", projectID),
			goerr.Value("databaseID", databaseID))
	}

	return &Firestore{client: client}, nil
}

func (r *Firestore) PutEntry(ctx context.Context, entry *model.MemoryEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	_, err := r.client.Collection(collectionEntries).Doc(string(entry.ID)).Set(ctx, entry)
	if err != nil {
		return goerr.Wrap(err, "failed to save entry", goerr.Value("id", entry.ID))
	}
	return nil
}

func (r *Firestore) GetEntry(ctx context.Context, id model.EntryID) (*model.MemoryEntry, error) {
	doc, err := r.client.Collection(collectionEntries).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.New("entry not found", goerr.Value("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get entry", goerr.Value("id", id))
	}

	var entry model.MemoryEntry
	if err := doc.DataTo(&entry); err != nil {
		return nil, goerr.Wrap(err, "failed to decode entry", goerr.Value("id", id))
	}
	return &entry, nil
}

func (r *Firestore) ListEntries(ctx context.Context, conversationID model.ConversationID) ([]*model.MemoryEntry, error) {
	iter := r.client.Collection(collectionEntries).
		Where("ConversationID", "==", string(conversationID)).
		OrderBy("CreatedAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var results []*model.MemoryEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate entries")
		}

		var entry model.MemoryEntry
		if err := doc.DataTo(&entry); err != nil {
			return nil, goerr.Wrap(err, "failed to decode entry")
		}
		results = append(results, &entry)
	}
	return results, nil
}

func (r *Firestore) SearchEntries(ctx context.Context, identity model.Identity, conversationID model.ConversationID, embedding firestore.Vector32, threshold float64, limit int) ([]*model.MemoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := r.client.Collection(collectionEntries).Query.
		Where("Identity", "==", string(identity))
	if conversationID != "" {
		query = query.Where("ConversationID", "==", string(conversationID))
	}

	vq := query.FindNearest("Embedding", embedding, limit, firestore.DistanceMeasureCosine, nil)

	docs, err := vq.Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to run vector search", goerr.Value("identity", identity))
	}

	candidates := make([]scoredEntry, 0, len(docs))
	for _, doc := range docs {
		var entry model.MemoryEntry
		if err := doc.DataTo(&entry); err != nil {
			return nil, goerr.Wrap(err, "failed to decode entry")
		}
		candidates = append(candidates, scoredEntry{
			entry: &entry,
			sim:   cosineSimilarity(embedding, entry.Embedding),
		})
	}

	return rankEntries(candidates, threshold, limit), nil
}

func (r *Firestore) CountEntries(ctx context.Context, identity model.Identity) (int, error) {
	iter := r.client.Collection(collectionEntries).
		Where("Identity", "==", string(identity)).
		Select().
		Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, goerr.Wrap(err, "failed to count entries")
		}
		count++
	}
	return count, nil
}

func (r *Firestore) EvictEntries(ctx context.Context, identity model.Identity, capacity int) (int, error) {
	total, err := r.CountEntries(ctx, identity)
	if err != nil {
		return 0, err
	}

	n := maxEvictable(total, capacity)
	if n == 0 {
		return 0, nil
	}

	iter := r.client.Collection(collectionEntries).
		Where("Identity", "==", string(identity)).
		OrderBy("CreatedAt", firestore.Asc).
		Limit(n).
		Documents(ctx)
	defer iter.Stop()

	// Track removed IDs per conversation to prune their entry sequences
	removed := make(map[model.ConversationID][]any)
	evicted := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return evicted, goerr.Wrap(err, "failed to iterate eviction candidates")
		}

		var entry model.MemoryEntry
		if err := doc.DataTo(&entry); err != nil {
			return evicted, goerr.Wrap(err, "failed to decode entry")
		}

		if _, err := doc.Ref.Delete(ctx); err != nil {
			return evicted, goerr.Wrap(err, "failed to delete entry", goerr.Value("id", entry.ID))
		}
		removed[entry.ConversationID] = append(removed[entry.ConversationID], entry.ID)
		evicted++
	}

	for convID, ids := range removed {
		_, err := r.client.Collection(collectionConversations).Doc(string(convID)).Update(ctx, []firestore.Update{
			{Path: "EntryIDs", Value: firestore.ArrayRemove(ids...)},
		})
		if err != nil && status.Code(err) != codes.NotFound {
			return evicted, goerr.Wrap(err, "failed to prune conversation entries", goerr.Value("id", convID))
		}
	}

	return evicted, nil
}

func (r *Firestore) PutConversation(ctx context.Context, conv *model.Conversation) error {
	if conv == nil || conv.ID == "" || conv.Identity == "" {
		return goerr.Wrap(model.ErrInvalidInput, "conversation ID and identity are required")
	}

	_, err := r.client.Collection(collectionConversations).Doc(string(conv.ID)).Set(ctx, conv)
	if err != nil {
		return goerr.Wrap(err, "failed to save conversation", goerr.Value("id", conv.ID))
	}
	return nil
}

func (r *Firestore) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	doc, err := r.client.Collection(collectionConversations).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrConversationNotFound, "no such conversation", goerr.Value("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get conversation", goerr.Value("id", id))
	}

	var conv model.Conversation
	if err := doc.DataTo(&conv); err != nil {
		return nil, goerr.Wrap(err, "failed to decode conversation", goerr.Value("id", id))
	}
	return &conv, nil
}

func (r *Firestore) listConversations(ctx context.Context, query firestore.Query) ([]*model.Conversation, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var results []*model.Conversation
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate conversations")
		}

		var conv model.Conversation
		if err := doc.DataTo(&conv); err != nil {
			return nil, goerr.Wrap(err, "failed to decode conversation")
		}
		results = append(results, &conv)
	}
	return results, nil
}

func (r *Firestore) ListConversations(ctx context.Context, identity model.Identity, offset, limit int) ([]*model.Conversation, error) {
	query := r.client.Collection(collectionConversations).
		Where("Identity", "==", string(identity)).
		OrderBy("LastActiveAt", firestore.Desc).
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.listConversations(ctx, query)
}

func (r *Firestore) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*model.Conversation, error) {
	query := r.client.Collection(collectionConversations).
		Where("Archived", "==", false).
		Where("LastActiveAt", "<", before).
		OrderBy("LastActiveAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.listConversations(ctx, query)
}

func (r *Firestore) PutUsageEvent(ctx context.Context, event *model.UsageEvent) error {
	if event == nil {
		return goerr.Wrap(model.ErrInvalidInput, "event is nil")
	}
	if err := event.Outcome.Validate(); err != nil {
		return err
	}

	_, _, err := r.client.Collection(collectionUsageEvents).Add(ctx, event)
	if err != nil {
		return goerr.Wrap(err, "failed to save usage event", goerr.Value("identity", event.Identity))
	}
	return nil
}

func (r *Firestore) ListUsageEvents(ctx context.Context, identity model.Identity, tr model.TimeRange) ([]*model.UsageEvent, error) {
	query := r.client.Collection(collectionUsageEvents).
		Where("Identity", "==", string(identity))
	if !tr.From.IsZero() {
		query = query.Where("Timestamp", ">=", tr.From)
	}
	if !tr.To.IsZero() {
		query = query.Where("Timestamp", "<", tr.To)
	}
	query = query.OrderBy("Timestamp", firestore.Asc)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var results []*model.UsageEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate usage events")
		}

		var ev model.UsageEvent
		if err := doc.DataTo(&ev); err != nil {
			return nil, goerr.Wrap(err, "failed to decode usage event")
		}
		results = append(results, &ev)
	}
	return results, nil
}

func (r *Firestore) Close() error {
	if err := r.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}
