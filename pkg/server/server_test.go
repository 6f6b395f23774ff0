package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/analytics"
	"github.com/m-mizutani/plume/pkg/ratelimit"
	"github.com/m-mizutani/plume/pkg/repository"
	"github.com/m-mizutani/plume/pkg/server"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
	"github.com/m-mizutani/plume/pkg/usecase/generate"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, p *adapter.Prompt) (*adapter.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &adapter.Reply{Text: "fake reply", TokensIn: 10, TokensOut: 20}, nil
}

type serverEnv struct {
	repo     *repository.Memory
	recorder *analytics.Recorder
	handler  http.Handler
}

func newServerEnv(t *testing.T, capacity, rate float64, opts ...server.Option) *serverEnv {
	t.Helper()

	repo := repository.NewMemory()
	limiter := gt.R1(ratelimit.New(capacity, rate)).NoError(t)
	recorder := analytics.NewRecorder(repo)

	genUC := generate.New(repo, &fakeGenerator{}, limiter, recorder)
	convUC := conversation.New(repo)

	srv := server.New("127.0.0.1:0", genUC, convUC, recorder, opts...)

	return &serverEnv{
		repo:     repo,
		recorder: recorder,
		handler:  srv.Handler(),
	}
}

func (env *serverEnv) do(t *testing.T, method, target string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = bytes.NewReader([]byte(v))
		default:
			raw := gt.R1(json.Marshal(body)).NoError(t)
			reader = bytes.NewReader(raw)
		}
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	gt.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

type generateResp struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	TokensIn       int64  `json:"tokens_in"`
	TokensOut      int64  `json:"tokens_out"`
	Degraded       bool   `json:"degraded"`
}

type conversationResp struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActiveAt time.Time `json:"last_active_at"`
	Archived     bool      `json:"archived"`
	EntryCount   int       `json:"entry_count"`
	Entries      []struct {
		Role      string    `json:"role"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"entries"`
}

type conversationListResp struct {
	Conversations []conversationResp `json:"conversations"`
}

type summaryResp struct {
	Count          int     `json:"count"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	ErrorRate      float64 `json:"error_rate"`
}

func asUser(identity string) map[string]string {
	return map[string]string{"X-Plume-User": identity}
}

func TestGenerateEndpoint(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	rec := env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
		map[string]string{"message": "Hello there"})
	gt.Equal(t, rec.Code, http.StatusOK)

	resp := decodeBody[generateResp](t, rec)
	gt.Equal(t, resp.Reply, "fake reply")
	gt.True(t, resp.ConversationID != "")
	gt.Equal(t, resp.TokensIn, int64(10))
	gt.Equal(t, resp.TokensOut, int64(20))
	gt.False(t, resp.Degraded)

	list := decodeBody[conversationListResp](t, env.do(t, http.MethodGet, "/v1/conversations", asUser("u1"), nil))
	gt.Equal(t, len(list.Conversations), 1)
	gt.Equal(t, list.Conversations[0].ID, resp.ConversationID)
	gt.Equal(t, list.Conversations[0].Title, "Hello there")
	gt.Equal(t, list.Conversations[0].EntryCount, 2)
}

func TestGenerateEndpointRejectsBadBody(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	rec := env.do(t, http.MethodPost, "/v1/generate", asUser("u1"), "{not json")
	gt.Equal(t, rec.Code, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/v1/generate", asUser("u1"), map[string]string{})
	gt.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestGenerateEndpointRateLimited(t *testing.T) {
	env := newServerEnv(t, 1, 1)

	rec := env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
		map[string]string{"message": "first"})
	gt.Equal(t, rec.Code, http.StatusOK)

	rec = env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
		map[string]string{"message": "second"})
	gt.Equal(t, rec.Code, http.StatusTooManyRequests)
	gt.Equal(t, rec.Header().Get("Retry-After"), "1")
}

func TestGenerateEndpointBodyIdentity(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	// Without an authenticated identity the body names the caller.
	rec := env.do(t, http.MethodPost, "/v1/generate", nil,
		map[string]string{"identity": "bob", "message": "Hi"})
	gt.Equal(t, rec.Code, http.StatusOK)

	list := decodeBody[conversationListResp](t, env.do(t, http.MethodGet, "/v1/conversations", asUser("bob"), nil))
	gt.Equal(t, len(list.Conversations), 1)
}

func TestGenerateEndpointHeaderIdentityWins(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	rec := env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
		map[string]string{"identity": "mallory", "message": "Hi"})
	gt.Equal(t, rec.Code, http.StatusOK)

	list := decodeBody[conversationListResp](t, env.do(t, http.MethodGet, "/v1/conversations", asUser("u1"), nil))
	gt.Equal(t, len(list.Conversations), 1)

	list = decodeBody[conversationListResp](t, env.do(t, http.MethodGet, "/v1/conversations", asUser("mallory"), nil))
	gt.Equal(t, len(list.Conversations), 0)
}

func TestGetConversationEndpoint(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	resp := decodeBody[generateResp](t, env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
		map[string]string{"message": "Tell me a story"}))

	rec := env.do(t, http.MethodGet, "/v1/conversations/"+resp.ConversationID, asUser("u1"), nil)
	gt.Equal(t, rec.Code, http.StatusOK)

	detail := decodeBody[conversationResp](t, rec)
	gt.Equal(t, len(detail.Entries), 2)
	gt.Equal(t, detail.Entries[0].Role, "user")
	gt.Equal(t, detail.Entries[0].Text, "Tell me a story")
	gt.Equal(t, detail.Entries[1].Role, "assistant")
	gt.Equal(t, detail.Entries[1].Text, "fake reply")
}

func TestGetConversationEndpointHidesForeign(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	resp := decodeBody[generateResp](t, env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
		map[string]string{"message": "secret"}))

	rec := env.do(t, http.MethodGet, "/v1/conversations/"+resp.ConversationID, asUser("u2"), nil)
	gt.Equal(t, rec.Code, http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/v1/conversations/no-such-id", asUser("u1"), nil)
	gt.Equal(t, rec.Code, http.StatusNotFound)
}

func TestUsageSummaryEndpoint(t *testing.T) {
	env := newServerEnv(t, 10, 1)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/generate", asUser("u1"),
			map[string]string{"message": "hi"})
		gt.Equal(t, rec.Code, http.StatusOK)
	}
	gt.NoError(t, env.recorder.Close())

	rec := env.do(t, http.MethodGet, "/v1/usage/summary", asUser("u1"), nil)
	gt.Equal(t, rec.Code, http.StatusOK)

	summary := decodeBody[summaryResp](t, rec)
	gt.Equal(t, summary.Count, 2)
	gt.Equal(t, summary.TotalTokensIn, int64(20))
	gt.Equal(t, summary.TotalTokensOut, int64(40))
	gt.Equal(t, summary.ErrorRate, 0.0)

	rec = env.do(t, http.MethodGet, "/v1/usage/summary?from=yesterday", asUser("u1"), nil)
	gt.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestHealthEndpoint(t *testing.T) {
	env := newServerEnv(t, 10, 1, server.WithJWTSecret([]byte("s3cret")))

	// Health stays open even when API routes require a token.
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	gt.Equal(t, rec.Code, http.StatusOK)
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	return gt.R1(token.SignedString([]byte(secret))).NoError(t)
}

func TestJWTAuth(t *testing.T) {
	env := newServerEnv(t, 10, 1, server.WithJWTSecret([]byte("s3cret")))

	rec := env.do(t, http.MethodPost, "/v1/generate", nil, map[string]string{"message": "hi"})
	gt.Equal(t, rec.Code, http.StatusUnauthorized)

	// The identity header is no substitute for a token.
	rec = env.do(t, http.MethodPost, "/v1/generate", asUser("u1"), map[string]string{"message": "hi"})
	gt.Equal(t, rec.Code, http.StatusUnauthorized)

	rec = env.do(t, http.MethodPost, "/v1/generate",
		map[string]string{"Authorization": "Bearer garbage"},
		map[string]string{"message": "hi"})
	gt.Equal(t, rec.Code, http.StatusUnauthorized)

	rec = env.do(t, http.MethodPost, "/v1/generate",
		map[string]string{"Authorization": "Bearer " + signToken(t, "wrong-secret", "alice")},
		map[string]string{"message": "hi"})
	gt.Equal(t, rec.Code, http.StatusUnauthorized)

	auth := map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", "alice")}
	rec = env.do(t, http.MethodPost, "/v1/generate", auth, map[string]string{"message": "hi"})
	gt.Equal(t, rec.Code, http.StatusOK)

	// The subject claim owns the conversation.
	list := decodeBody[conversationListResp](t, env.do(t, http.MethodGet, "/v1/conversations", auth, nil))
	gt.Equal(t, len(list.Conversations), 1)
}
