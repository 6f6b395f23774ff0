package generate

import (
	"context"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

const contextHeader = "Relevant notes from the user's earlier conversations:"

// buildContext embeds the incoming message and renders the retrieved
// memory entries into a context block. Both the embedding call and the
// retrieval are best-effort: on failure the request proceeds with an
// empty context and the degraded flag set.
func (u *UseCase) buildContext(ctx context.Context, identity model.Identity, convID model.ConversationID, message string) (queryVec []float32, memoryContext string, degraded bool) {
	if u.embedder == nil {
		return nil, "", false
	}

	vec, err := u.embedder.Embed(ctx, message)
	if err != nil {
		logging.From(ctx).Warn("embedding unavailable, proceeding without memory context",
			"error", err)
		return nil, "", true
	}

	scope := convID
	if u.crossConvRecall {
		scope = ""
	}

	entries, err := u.repo.SearchEntries(ctx, identity, scope, firestore.Vector32(vec), u.minSimilarity, u.retrieveLimit)
	if err != nil {
		logging.From(ctx).Warn("memory retrieval failed, proceeding without memory context",
			"error", err)
		return vec, "", true
	}

	return vec, u.renderContext(entries), false
}

// renderContext lays the entries out chronologically and drops the
// oldest ones while the estimated token count exceeds the budget.
func (u *UseCase) renderContext(entries []*model.MemoryEntry) string {
	if len(entries) == 0 {
		return ""
	}

	ordered := make([]*model.MemoryEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	total := estimateTokens(contextHeader)
	kept := make([]string, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		line := "- [" + string(ordered[i].Role) + "] " + ordered[i].Text
		cost := estimateTokens(line)
		if total+cost > u.contextBudget {
			break
		}
		total += cost
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return ""
	}

	// kept was filled newest first; restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return contextHeader + "\n" + strings.Join(kept, "\n")
}

func composeSystem(preset, memoryContext string) string {
	if memoryContext == "" {
		return preset
	}
	return preset + "\n\n" + memoryContext
}

// estimateTokens approximates the token count of s. Four bytes per
// token is coarse but adequate for budget enforcement.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}
