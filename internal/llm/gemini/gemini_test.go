package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/relaybot/internal/llm"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestToContents_SplitsSystemAndMapsRoles(t *testing.T) {
	system, contents := toContents([]llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleUser, Content: "look", Images: []llm.Image{{Data: []byte{1, 2}, MIME: "image/png"}}},
	})
	assert.Equal(t, "be brief", system)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "image/png", contents[2].Parts[1].InlineData.MIMEType)
}

func TestToContents_DropsLeadingModelTurn(t *testing.T) {
	// A history window of 3 turns can begin with the assistant's reply.
	_, contents := toContents([]llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleAssistant, Content: "A1"},
		{Role: llm.RoleUser, Content: "U2"},
		{Role: llm.RoleAssistant, Content: "A2"},
		{Role: llm.RoleUser, Content: "U3"},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "U2", contents[0].Parts[0].Text)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "U3", contents[2].Parts[0].Text)
}

func TestComplete_ReturnsCandidateText(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.0-flash:generateContent"), r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":" pong "}]}}]}`))
	})

	resp, err := c.Complete(context.Background(), llm.Request{
		Model:       "gemini-2.0-flash",
		Messages:    []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "ping"}},
		Temperature: 0.2,
		MaxTokens:   800,
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Contains(t, body, "systemInstruction")
}

func TestComplete_EmptyCandidates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	})
	_, err := c.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	assert.Equal(t, llm.KindEmpty, llm.KindOf(err))
}

func TestComplete_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	})
	_, err := c.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Equal(t, llm.KindRateLimited, llm.KindOf(err))
}
