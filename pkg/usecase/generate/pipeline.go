package generate

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/policy"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

// Generate runs one request through the pipeline. The conversation
// lock is held from retrieval through persistence so interleaved turns
// cannot corrupt append order.
func (u *UseCase) Generate(ctx context.Context, input *Input) (*Output, error) {
	start := u.now()

	if input == nil || input.Message == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "message is required")
	}

	identity := input.Identity
	if identity == "" {
		identity = model.AnonymousIdentity
	}
	ctx = logging.With(ctx, logging.From(ctx).With("identity", identity))
	u.logPhase(ctx, PhaseReceived, "conversation_id", input.ConversationID)

	preset, err := u.presets.Get(input.ContentType)
	if err != nil {
		return nil, err
	}

	if u.gate != nil {
		if err := u.gate.Authorize(ctx, &policy.Input{
			Identity:       identity,
			ConversationID: input.ConversationID,
			ContentType:    preset.Name,
			MessageLength:  len(input.Message),
		}); err != nil {
			u.logFailure(ctx, "policy_denied", err)
			return nil, err
		}
	}

	dec, err := u.limiter.Allow(ctx, identity, u.requestCost)
	if err != nil {
		return nil, goerr.Wrap(err, "rate limit check failed")
	}
	if !dec.Allowed {
		u.record(ctx, identity, input.ConversationID, start, nil, model.OutcomeRateLimited)
		u.logFailure(ctx, "rate_limited", nil, "retry_after", dec.RetryAfter)
		return nil, goerr.Wrap(model.ErrRateLimited, "rate limit exceeded",
			goerr.Value("retry_after", dec.RetryAfter),
			goerr.Value("identity", identity))
	}
	u.logPhase(ctx, PhaseRateChecked)

	convID, created, err := u.resolveConversation(ctx, identity, input.ConversationID)
	if err != nil {
		u.logFailure(ctx, "conversation_unavailable", err)
		return nil, err
	}

	lock := u.locks.get(convID)
	lock.Lock()
	defer lock.Unlock()

	queryVec, memoryContext, degraded := u.buildContext(ctx, identity, convID, input.Message)
	u.logPhase(ctx, PhaseContextBuilt, "context_bytes", len(memoryContext), "degraded", degraded)

	if err := ctx.Err(); err != nil {
		u.logFailure(ctx, "canceled", err)
		return nil, goerr.Wrap(err, "request canceled before model call")
	}

	reply, err := u.callModel(ctx, &adapter.Prompt{
		System:    composeSystem(preset.System, memoryContext),
		Messages:  []adapter.Message{{Role: model.RoleUser, Text: input.Message}},
		MaxTokens: preset.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			u.logFailure(ctx, "canceled", err)
			return nil, goerr.Wrap(err, "request canceled during model call")
		}
		u.record(ctx, identity, convID, start, nil, model.OutcomeProviderError)
		u.logFailure(ctx, "provider_error", err)
		return nil, err
	}
	u.logPhase(ctx, PhaseModelCalled, "tokens_in", reply.TokensIn, "tokens_out", reply.TokensOut)

	// The provider has been paid; cancellation no longer interrupts
	// bookkeeping.
	tail := context.WithoutCancel(ctx)

	if err := u.persistTurn(tail, identity, convID, created, input.Message, reply, queryVec, &degraded); err != nil {
		degraded = true
		logging.From(ctx).Error("failed to persist turn, returning reply anyway",
			"conversation_id", convID, "error", err)
	} else {
		u.logPhase(ctx, PhasePersisted)
	}

	u.record(tail, identity, convID, start, reply, model.OutcomeSuccess)

	if degraded {
		u.logPhase(ctx, PhaseCompletedDegraded)
	} else {
		u.logPhase(ctx, PhaseCompleted)
	}

	return &Output{
		ConversationID: convID,
		Reply:          reply.Text,
		TokensIn:       int64(reply.TokensIn),
		TokensOut:      int64(reply.TokensOut),
		Degraded:       degraded,
	}, nil
}

// resolveConversation validates a caller-supplied conversation ID or
// assigns a fresh one. The new conversation document is written during
// persistence, together with its first two entries.
func (u *UseCase) resolveConversation(ctx context.Context, identity model.Identity, id model.ConversationID) (model.ConversationID, bool, error) {
	if id == "" {
		return model.NewConversationID(), true, nil
	}

	conv, err := u.repo.GetConversation(ctx, id)
	if err != nil {
		return "", false, err
	}
	if conv.Identity != identity {
		return "", false, goerr.Wrap(model.ErrConversationNotFound, "conversation not found",
			goerr.Value("conversation_id", id))
	}
	if conv.Archived {
		return "", false, goerr.Wrap(model.ErrInvalidInput, "conversation is archived",
			goerr.Value("conversation_id", id))
	}

	return id, false, nil
}

// callModel invokes the generator with bounded retries. Each attempt
// gets its own timeout; backoff doubles per attempt with jitter.
func (u *UseCase) callModel(ctx context.Context, p *adapter.Prompt) (*adapter.Reply, error) {
	var lastErr error
	var timedOut bool

	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := u.retryBase << (attempt - 1)
			if half := int64(u.retryBase / 2); half > 0 {
				backoff += time.Duration(rand.Int63n(half))
			}
			if err := u.sleep(ctx, backoff); err != nil {
				return nil, goerr.Wrap(err, "canceled while waiting to retry")
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, u.modelTimeout)
		reply, err := u.generator.Generate(callCtx, p)
		timedOut = errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return reply, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, goerr.Wrap(ctx.Err(), "canceled during model call")
		}

		logging.From(ctx).Warn("generation attempt failed",
			"attempt", attempt+1, "max_attempts", u.maxAttempts, "error", err)
	}

	return nil, goerr.Wrap(model.ErrProviderError, "generation failed after retries",
		goerr.Value("cause", lastErr),
		goerr.Value("attempts", u.maxAttempts),
		goerr.Value("timeout", timedOut))
}

// persistTurn appends the user message and assistant reply, updates
// the conversation, and applies the per-identity entry cap.
func (u *UseCase) persistTurn(ctx context.Context, identity model.Identity, convID model.ConversationID, created bool, message string, reply *adapter.Reply, queryVec []float32, degraded *bool) error {
	now := u.now()

	userEntry := &model.MemoryEntry{
		ID:             model.NewEntryID(),
		Identity:       identity,
		ConversationID: convID,
		Role:           model.RoleUser,
		Text:           message,
		CreatedAt:      now,
	}
	if len(queryVec) > 0 {
		userEntry.Embedding = firestore.Vector32(queryVec)
	}

	assistantEntry := &model.MemoryEntry{
		ID:             model.NewEntryID(),
		Identity:       identity,
		ConversationID: convID,
		Role:           model.RoleAssistant,
		Text:           reply.Text,
		CreatedAt:      now,
	}
	if u.embedder != nil && reply.Text != "" {
		if vec, err := u.embedder.Embed(ctx, reply.Text); err != nil {
			*degraded = true
			logging.From(ctx).Warn("failed to embed assistant reply, storing without vector",
				"conversation_id", convID, "error", err)
		} else {
			assistantEntry.Embedding = firestore.Vector32(vec)
		}
	}

	if err := u.repo.PutEntry(ctx, userEntry); err != nil {
		return goerr.Wrap(err, "failed to persist user entry")
	}
	if err := u.repo.PutEntry(ctx, assistantEntry); err != nil {
		return goerr.Wrap(err, "failed to persist assistant entry")
	}

	var conv *model.Conversation
	if created {
		conv = &model.Conversation{
			ID:           convID,
			Identity:     identity,
			Title:        model.TitleFromMessage(message),
			CreatedAt:    now,
			LastActiveAt: now,
		}
	} else {
		var err error
		conv, err = u.repo.GetConversation(ctx, convID)
		if err != nil {
			return goerr.Wrap(err, "failed to load conversation for update")
		}
	}
	conv.EntryIDs = append(conv.EntryIDs, userEntry.ID, assistantEntry.ID)
	conv.Touch(u.now())

	if err := u.repo.PutConversation(ctx, conv); err != nil {
		return goerr.Wrap(err, "failed to update conversation")
	}

	if u.maxEntries > 0 {
		evicted, err := u.repo.EvictEntries(ctx, identity, u.maxEntries)
		if err != nil {
			logging.From(ctx).Warn("failed to evict memory entries",
				"identity", identity, "error", err)
		} else if evicted > 0 {
			logging.From(ctx).Debug("evicted memory entries",
				"identity", identity, "count", evicted)
		}
	}

	return nil
}

func (u *UseCase) record(ctx context.Context, identity model.Identity, convID model.ConversationID, start time.Time, reply *adapter.Reply, outcome model.Outcome) {
	if u.recorder == nil {
		return
	}

	event := &model.UsageEvent{
		Identity:       identity,
		ConversationID: convID,
		Timestamp:      u.now(),
		LatencyMS:      u.now().Sub(start).Milliseconds(),
		Outcome:        outcome,
	}
	if reply != nil {
		event.TokensIn = int64(reply.TokensIn)
		event.TokensOut = int64(reply.TokensOut)
	}

	u.recorder.Record(ctx, event)
}

func (u *UseCase) logPhase(ctx context.Context, phase Phase, attrs ...any) {
	args := append([]any{"state", string(phase)}, attrs...)
	logging.From(ctx).Debug("generation state", args...)
}

func (u *UseCase) logFailure(ctx context.Context, reason string, err error, attrs ...any) {
	args := append([]any{"state", string(PhaseFailed), "reason", reason}, attrs...)
	if err != nil {
		args = append(args, "error", err)
	}
	logging.From(ctx).Warn("generation failed", args...)
}
