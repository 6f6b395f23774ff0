package conversation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/repository"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

type fakeWriter struct {
	bytes.Buffer
	store *fakeStorage
	key   string
}

func (w *fakeWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.key] = w.Bytes()
	return nil
}

func (s *fakeStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fakeWriter{store: s, key: key}, nil
}

func (s *fakeStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func seedConversation(t *testing.T, repo *repository.Memory, identity model.Identity, lastActive time.Time, texts ...string) *model.Conversation {
	t.Helper()
	ctx := context.Background()

	conv := &model.Conversation{
		ID:           model.NewConversationID(),
		Identity:     identity,
		Title:        "seeded",
		CreatedAt:    lastActive,
		LastActiveAt: lastActive,
	}
	for _, text := range texts {
		entry := &model.MemoryEntry{
			ID:             model.NewEntryID(),
			Identity:       identity,
			ConversationID: conv.ID,
			Role:           model.RoleUser,
			Text:           text,
			CreatedAt:      lastActive,
		}
		gt.NoError(t, repo.PutEntry(ctx, entry))
		conv.EntryIDs = append(conv.EntryIDs, entry.ID)
	}
	gt.NoError(t, repo.PutConversation(ctx, conv))
	return conv
}

func TestListScopedToIdentity(t *testing.T) {
	repo := repository.NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, repo, "u1", base)
	newer := seedConversation(t, repo, "u1", base.Add(time.Hour))
	seedConversation(t, repo, "u2", base)

	uc := conversation.New(repo)

	convs := gt.R1(uc.List(context.Background(), "u1", 0, 10)).NoError(t)
	gt.Equal(t, len(convs), 2)
	gt.Equal(t, convs[0].ID, newer.ID)

	_, err := uc.List(context.Background(), "", 0, 10)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestGetReturnsEntriesInOrder(t *testing.T) {
	repo := repository.NewMemory()
	conv := seedConversation(t, repo, "u1", time.Now(), "first", "second", "third")

	uc := conversation.New(repo)

	got, entries := gt.R2(uc.Get(context.Background(), "u1", conv.ID)).NoError(t)
	gt.Equal(t, got.ID, conv.ID)
	gt.Equal(t, len(entries), 3)
	gt.Equal(t, entries[0].Text, "first")
	gt.Equal(t, entries[2].Text, "third")
}

func TestGetHidesForeignConversation(t *testing.T) {
	repo := repository.NewMemory()
	conv := seedConversation(t, repo, "owner", time.Now())

	uc := conversation.New(repo)

	_, _, err := uc.Get(context.Background(), "intruder", conv.ID)
	gt.True(t, errors.Is(err, model.ErrConversationNotFound))

	_, _, err = uc.Get(context.Background(), "owner", model.NewConversationID())
	gt.True(t, errors.Is(err, model.ErrConversationNotFound))
}

func TestArchiveIdle(t *testing.T) {
	repo := repository.NewMemory()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	idle := seedConversation(t, repo, "u1", now.Add(-48*time.Hour), "old message")
	active := seedConversation(t, repo, "u1", now.Add(-time.Hour), "recent message")

	storage := newFakeStorage()
	uc := conversation.New(repo,
		conversation.WithStorage(storage),
		conversation.WithClock(func() time.Time { return now }),
	)

	archived := gt.R1(uc.ArchiveIdle(context.Background(), 24*time.Hour, 10)).NoError(t)
	gt.Equal(t, archived, 1)

	got := gt.R1(repo.GetConversation(context.Background(), idle.ID)).NoError(t)
	gt.True(t, got.Archived)
	stillActive := gt.R1(repo.GetConversation(context.Background(), active.ID)).NoError(t)
	gt.False(t, stillActive.Archived)

	// The snapshot holds the conversation and its entries.
	data, ok := storage.objects["conversations/"+string(idle.ID)+".json"]
	gt.True(t, ok)
	var snapshot struct {
		Conversation *model.Conversation  `json:"conversation"`
		Entries      []*model.MemoryEntry `json:"entries"`
	}
	gt.NoError(t, json.Unmarshal(data, &snapshot))
	gt.Equal(t, snapshot.Conversation.ID, idle.ID)
	gt.Equal(t, len(snapshot.Entries), 1)
	gt.Equal(t, snapshot.Entries[0].Text, "old message")

	// A second sweep finds nothing left to archive.
	archived = gt.R1(uc.ArchiveIdle(context.Background(), 24*time.Hour, 10)).NoError(t)
	gt.Equal(t, archived, 0)
}

func TestArchiveIdleSnapshotFailureKeepsConversation(t *testing.T) {
	repo := repository.NewMemory()
	now := time.Now()
	idle := seedConversation(t, repo, "u1", now.Add(-48*time.Hour))

	storage := newFakeStorage()
	storage.err = errors.New("bucket unavailable")
	uc := conversation.New(repo,
		conversation.WithStorage(storage),
		conversation.WithClock(func() time.Time { return now }),
	)

	archived := gt.R1(uc.ArchiveIdle(context.Background(), 24*time.Hour, 10)).NoError(t)
	gt.Equal(t, archived, 0)

	got := gt.R1(repo.GetConversation(context.Background(), idle.ID)).NoError(t)
	gt.False(t, got.Archived)
}

func TestArchiveIdleWithoutStorage(t *testing.T) {
	repo := repository.NewMemory()
	now := time.Now()
	idle := seedConversation(t, repo, "u1", now.Add(-48*time.Hour))

	uc := conversation.New(repo, conversation.WithClock(func() time.Time { return now }))

	archived := gt.R1(uc.ArchiveIdle(context.Background(), 24*time.Hour, 10)).NoError(t)
	gt.Equal(t, archived, 1)

	got := gt.R1(repo.GetConversation(context.Background(), idle.ID)).NoError(t)
	gt.True(t, got.Archived)
}

func TestArchiveIdleRejectsBadThreshold(t *testing.T) {
	uc := conversation.New(repository.NewMemory())

	_, err := uc.ArchiveIdle(context.Background(), 0, 10)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}
