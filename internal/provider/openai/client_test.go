package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewWithHTTPClient(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-4o-mini"}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestChatCompletion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)

		_, _ = w.Write([]byte(`{"id":"c1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"{\"meals\":[]}"}}],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`))
	})

	resp, err := c.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"meals":[]}`, resp.Content())
	assert.Equal(t, int64(150), resp.Usage.TotalTokens)
}

func TestChatCompletionClassifiesStatus(t *testing.T) {
	cases := []struct {
		status   int
		terminal bool
	}{
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.status)
			})
			_, err := c.ChatCompletion(context.Background(), ChatRequest{})
			require.Error(t, err)
			assert.Equal(t, tc.terminal, models.IsTerminal(err))

			var herr *HTTPError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, tc.status, herr.StatusCode)
		})
	}
}

func TestChatCompletionNetworkAndDecodeErrorsAreTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.False(t, models.IsTerminal(err))

	down, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = down.ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.False(t, models.IsTerminal(err))
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPer1K: 0.15, OutputPer1K: 0.6}
	assert.InDelta(t, 0.045, p.Cost(Usage{PromptTokens: 100, CompletionTokens: 50}), 1e-9)
}
