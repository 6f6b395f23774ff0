package conversation

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/repository"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

// UseCase reads conversations back for their owner and retires idle
// ones. Archival is the only mutation here; turns are appended by the
// generation pipeline.
type UseCase struct {
	repo    repository.Repository
	storage adapter.Storage
	now     func() time.Time
}

type Option func(*UseCase)

// WithStorage enables JSON snapshots of archived conversations.
func WithStorage(storage adapter.Storage) Option {
	return func(u *UseCase) {
		u.storage = storage
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(u *UseCase) {
		u.now = now
	}
}

func New(repo repository.Repository, opts ...Option) *UseCase {
	u := &UseCase{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// List returns the identity's conversations, most recently active
// first.
func (u *UseCase) List(ctx context.Context, identity model.Identity, offset, limit int) ([]*model.Conversation, error) {
	if identity == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "identity is required")
	}
	return u.repo.ListConversations(ctx, identity, offset, limit)
}

// Get returns one conversation with its entries in append order. A
// conversation owned by another identity is reported as not found.
func (u *UseCase) Get(ctx context.Context, identity model.Identity, id model.ConversationID) (*model.Conversation, []*model.MemoryEntry, error) {
	conv, err := u.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if conv.Identity != identity {
		return nil, nil, goerr.Wrap(model.ErrConversationNotFound, "conversation not found",
			goerr.Value("conversation_id", id))
	}

	entries, err := u.repo.ListEntries(ctx, id)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to list conversation entries")
	}

	return conv, entries, nil
}

type archiveSnapshot struct {
	Conversation *model.Conversation  `json:"conversation"`
	Entries      []*model.MemoryEntry `json:"entries"`
}

// ArchiveIdle retires conversations whose last activity is older than
// idleFor. Each one is snapshotted to object storage first (when
// configured) and then flagged read-only. A failed snapshot skips that
// conversation; it stays active and is retried on the next sweep.
func (u *UseCase) ArchiveIdle(ctx context.Context, idleFor time.Duration, limit int) (int, error) {
	if idleFor <= 0 {
		return 0, goerr.Wrap(model.ErrInvalidInput, "idle threshold must be positive",
			goerr.Value("idle_for", idleFor))
	}

	before := u.now().Add(-idleFor)
	convs, err := u.repo.ListIdleConversations(ctx, before, limit)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list idle conversations")
	}

	archived := 0
	for _, conv := range convs {
		if u.storage != nil {
			if err := u.snapshot(ctx, conv); err != nil {
				logging.From(ctx).Warn("failed to snapshot conversation, keeping it active",
					"conversation_id", conv.ID, "error", err)
				continue
			}
		}

		conv.Archived = true
		if err := u.repo.PutConversation(ctx, conv); err != nil {
			logging.From(ctx).Warn("failed to flag conversation archived",
				"conversation_id", conv.ID, "error", err)
			continue
		}
		archived++
	}

	if archived > 0 {
		logging.From(ctx).Info("archived idle conversations",
			"count", archived, "idle_before", before)
	}

	return archived, nil
}

func (u *UseCase) snapshot(ctx context.Context, conv *model.Conversation) error {
	entries, err := u.repo.ListEntries(ctx, conv.ID)
	if err != nil {
		return goerr.Wrap(err, "failed to list entries for snapshot")
	}

	key := path.Join("conversations", string(conv.ID)+".json")
	w, err := u.storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open snapshot object", goerr.Value("key", key))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&archiveSnapshot{Conversation: conv, Entries: entries}); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to encode snapshot", goerr.Value("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize snapshot object", goerr.Value("key", key))
	}

	return nil
}
