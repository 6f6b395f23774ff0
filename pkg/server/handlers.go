package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/usecase/generate"
)

type generateRequest struct {
	Identity       string `json:"identity,omitempty"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
}

type generateResponse struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	TokensIn       int64  `json:"tokens_in"`
	TokensOut      int64  `json:"tokens_out"`
	Degraded       bool   `json:"degraded"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	// The authenticated identity wins; the body field only names the
	// caller when no authentication layer resolved one.
	identity := IdentityFrom(r.Context())
	if identity == model.AnonymousIdentity && req.Identity != "" {
		identity = model.Identity(req.Identity)
	}

	out, err := s.generate.Generate(r.Context(), &generate.Input{
		Identity:       identity,
		ConversationID: model.ConversationID(req.ConversationID),
		Message:        req.Message,
		ContentType:    req.ContentType,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, &generateResponse{
		Reply:          out.Reply,
		ConversationID: string(out.ConversationID),
		TokensIn:       out.TokensIn,
		TokensOut:      out.TokensOut,
		Degraded:       out.Degraded,
	})
}

type conversationItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Archived     bool      `json:"archived"`
	EntryCount   int       `json:"entry_count"`
}

type conversationListResponse struct {
	Conversations []conversationItem `json:"conversations"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}

	convs, err := s.conversation.List(r.Context(), IdentityFrom(r.Context()), offset, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}

	resp := &conversationListResponse{Conversations: make([]conversationItem, 0, len(convs))}
	for _, conv := range convs {
		resp.Conversations = append(resp.Conversations, toConversationItem(conv))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type entryItem struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationDetailResponse struct {
	conversationItem
	Entries []entryItem `json:"entries"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := model.ConversationID(r.PathValue("id"))

	conv, entries, err := s.conversation.Get(r.Context(), IdentityFrom(r.Context()), id)
	if err != nil {
		handleError(w, r, err)
		return
	}

	resp := &conversationDetailResponse{
		conversationItem: toConversationItem(conv),
		Entries:          make([]entryItem, 0, len(entries)),
	}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, entryItem{
			ID:        string(entry.ID),
			Role:      string(entry.Role),
			Text:      entry.Text,
			CreatedAt: entry.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type usageSummaryResponse struct {
	Count          int     `json:"count"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	ErrorRate      float64 `json:"error_rate"`
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	timeRange, err := queryTimeRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.recorder.Summarize(r.Context(), IdentityFrom(r.Context()), timeRange)
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, &usageSummaryResponse{
		Count:          summary.Count,
		TotalTokensIn:  summary.TotalTokensIn,
		TotalTokensOut: summary.TotalTokensOut,
		AvgLatencyMS:   summary.AvgLatencyMS,
		ErrorRate:      summary.ErrorRate,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

const defaultListLimit = 50

func toConversationItem(conv *model.Conversation) conversationItem {
	return conversationItem{
		ID:           string(conv.ID),
		Title:        conv.Title,
		CreatedAt:    conv.CreatedAt,
		LastActiveAt: conv.LastActiveAt,
		Archived:     conv.Archived,
		EntryCount:   len(conv.EntryIDs),
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, goerr.Wrap(model.ErrInvalidInput, "query parameter must be a non-negative integer",
			goerr.Value("key", key))
	}
	return v, nil
}

func queryTimeRange(r *http.Request) (model.TimeRange, error) {
	var tr model.TimeRange
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, goerr.Wrap(model.ErrInvalidInput, "from must be an RFC3339 timestamp")
		}
		tr.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, goerr.Wrap(model.ErrInvalidInput, "to must be an RFC3339 timestamp")
		}
		tr.To = t
	}
	return tr, nil
}
