package repository_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/repository"
)

func setupSQLite(t *testing.T) *repository.SQLite {
	t.Helper()

	repo, err := repository.NewSQLite(filepath.Join(t.TempDir(), "plume_test.db"))
	gt.NoError(t, err)
	t.Cleanup(func() {
		gt.NoError(t, repo.Close())
	})

	return repo
}

func TestSQLiteEntryRoundTrip(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	identity := model.Identity("u1")
	convID := model.NewConversationID()
	vec := firestore.Vector32{0.1, 0.2, 0.3}

	entry := &model.MemoryEntry{
		ID:             model.NewEntryID(),
		Identity:       identity,
		ConversationID: convID,
		Role:           model.RoleUser,
		Text:           "I prefer tea over coffee",
		Embedding:      vec,
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	gt.NoError(t, repo.PutEntry(ctx, entry))

	got, err := repo.GetEntry(ctx, entry.ID)
	gt.NoError(t, err)
	gt.Equal(t, entry.Text, got.Text)
	gt.Equal(t, entry.Role, got.Role)
	gt.Equal(t, vec, got.Embedding)
	gt.True(t, got.CreatedAt.Equal(entry.CreatedAt))
}

func TestSQLiteListEntriesInAppendOrder(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	identity := model.Identity("u1")
	convID := model.NewConversationID()
	now := time.Now().UTC()

	// Same timestamp; append order must still hold
	first := putEntry(t, repo, identity, convID, "first", nil, now)
	second := putEntry(t, repo, identity, convID, "second", nil, now)

	entries, err := repo.ListEntries(ctx, convID)
	gt.NoError(t, err)
	gt.A(t, entries).Length(2)
	gt.Equal(t, first.ID, entries[0].ID)
	gt.Equal(t, second.ID, entries[1].ID)
}

func TestSQLiteSearchEntries(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	identity := model.Identity("u1")
	convID := model.NewConversationID()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	putEntry(t, repo, identity, convID, "exact", firestore.Vector32{1, 0, 0}, base)
	putEntry(t, repo, identity, convID, "close", firestore.Vector32{0.9, 0.1, 0}, base.Add(time.Second))
	putEntry(t, repo, identity, convID, "plain", nil, base.Add(2*time.Second))
	putEntry(t, repo, model.Identity("u2"), convID, "other", firestore.Vector32{1, 0, 0}, base)

	results, err := repo.SearchEntries(ctx, identity, convID, firestore.Vector32{1, 0, 0}, 0, 10)
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, "exact", results[0].Text)
	gt.Equal(t, "close", results[1].Text)

	t.Run("TieBreakNewerFirst", func(t *testing.T) {
		putEntry(t, repo, identity, convID, "duplicate newer", firestore.Vector32{1, 0, 0}, base.Add(time.Minute))

		results, err := repo.SearchEntries(ctx, identity, convID, firestore.Vector32{1, 0, 0}, 0, 2)
		gt.NoError(t, err)
		gt.A(t, results).Length(2)
		gt.Equal(t, "duplicate newer", results[0].Text)
		gt.Equal(t, "exact", results[1].Text)
	})
}

func TestSQLiteEviction(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	identity := model.Identity("u1")
	convID := model.NewConversationID()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var entries []*model.MemoryEntry
	for i := 0; i < 8; i++ {
		entries = append(entries, putEntry(t, repo, identity, convID, "entry", nil, base.Add(time.Duration(i)*time.Second)))
	}

	evicted, err := repo.EvictEntries(ctx, identity, 5)
	gt.NoError(t, err)
	gt.Equal(t, 3, evicted)

	count, err := repo.CountEntries(ctx, identity)
	gt.NoError(t, err)
	gt.Equal(t, 5, count)

	_, err = repo.GetEntry(ctx, entries[0].ID)
	gt.Error(t, err)
	_, err = repo.GetEntry(ctx, entries[7].ID)
	gt.NoError(t, err)
}

func TestSQLiteConversations(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	identity := model.Identity("u1")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	conv := &model.Conversation{
		ID:           model.NewConversationID(),
		Identity:     identity,
		Title:        "tea preferences",
		CreatedAt:    base,
		LastActiveAt: base,
	}
	gt.NoError(t, repo.PutConversation(ctx, conv))

	t.Run("RoundTrip", func(t *testing.T) {
		got, err := repo.GetConversation(ctx, conv.ID)
		gt.NoError(t, err)
		gt.Equal(t, conv.Title, got.Title)
		gt.Equal(t, identity, got.Identity)
		gt.Equal(t, false, got.Archived)
	})

	t.Run("Upsert", func(t *testing.T) {
		conv.Archived = true
		conv.Touch(base.Add(time.Hour))
		gt.NoError(t, repo.PutConversation(ctx, conv))

		got, err := repo.GetConversation(ctx, conv.ID)
		gt.NoError(t, err)
		gt.Equal(t, true, got.Archived)
		gt.True(t, got.LastActiveAt.Equal(base.Add(time.Hour)))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := repo.GetConversation(ctx, model.NewConversationID())
		gt.Error(t, err)
	})

	t.Run("IdleExcludesArchived", func(t *testing.T) {
		idle, err := repo.ListIdleConversations(ctx, base.Add(24*time.Hour), 10)
		gt.NoError(t, err)
		gt.A(t, idle).Length(0)
	})
}

func TestSQLiteUsageEvents(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	identity := model.Identity("u1")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	outcomes := []model.Outcome{model.OutcomeSuccess, model.OutcomeRateLimited, model.OutcomeProviderError}
	for i, outcome := range outcomes {
		gt.NoError(t, repo.PutUsageEvent(ctx, &model.UsageEvent{
			Identity:       identity,
			ConversationID: model.NewConversationID(),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			TokensIn:       int64(10 * i),
			TokensOut:      int64(20 * i),
			LatencyMS:      100,
			Outcome:        outcome,
		}))
	}

	events, err := repo.ListUsageEvents(ctx, identity, model.TimeRange{})
	gt.NoError(t, err)
	gt.A(t, events).Length(3)
	gt.Equal(t, model.OutcomeSuccess, events[0].Outcome)
	gt.Equal(t, model.OutcomeProviderError, events[2].Outcome)

	bounded, err := repo.ListUsageEvents(ctx, identity, model.TimeRange{
		From: base.Add(time.Minute),
		To:   base.Add(2 * time.Minute),
	})
	gt.NoError(t, err)
	gt.A(t, bounded).Length(1)
	gt.Equal(t, model.OutcomeRateLimited, bounded[0].Outcome)
}
