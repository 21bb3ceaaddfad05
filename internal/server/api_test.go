package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/assistant"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/delivery"
)

func TestPostMessage(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")
	ack := request(t, bob, FrameRoomJoin, "j1", JoinPayload{RoomID: env.room})
	require.True(t, ack.OK)

	resp, body := env.apiRequest(t, http.MethodPost, "/api/messages", "alice",
		PostMessageRequest{RoomID: env.room, Content: "  hello over rest  "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	msg, ok := body["message"].(map[string]any)
	require.True(t, ok, "expected message object, got %v", body)
	assert.Equal(t, "hello over rest", msg["content"])
	assert.Equal(t, "alice", msg["sender"])
	assert.NotContains(t, body, "reply")

	got := decodeMessage(t, waitFor(t, bob, FrameMessageNew))
	assert.Equal(t, int64(msg["id"].(float64)), got.ID)
	assert.Len(t, env.store.Inserted(), 1)
}

func TestPostMessageWithAssistant(t *testing.T) {
	env := newTestEnv(t)
	env.ai.set(assistant.Answer{Text: "four"}, nil)

	resp, body := env.apiRequest(t, http.MethodPost, "/api/messages", "alice",
		PostMessageRequest{RoomID: env.room, Content: "/ai 2+2?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	reply, ok := body["reply"].(map[string]any)
	require.True(t, ok, "expected reply object, got %v", body)
	assert.Equal(t, "four", reply["content"])
	assert.Equal(t, "Gemini", reply["sender"])
	assert.Len(t, env.store.Inserted(), 2)
}

func TestPostMessageAssistantFailureReturnsMessage(t *testing.T) {
	env := newTestEnv(t)
	env.ai.set(assistant.Answer{}, fmt.Errorf("%w: deadline", assistant.ErrTimeout))

	resp, body := env.apiRequest(t, http.MethodPost, "/api/messages", "alice",
		PostMessageRequest{RoomID: env.room, Content: "/ai slow question"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body, "message")
	assert.Len(t, env.store.Inserted(), 1)
}

func TestPostMessageErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		identity string
		body     any
		status   int
	}{
		{"no token", "", PostMessageRequest{RoomID: env.room, Content: "hi"}, http.StatusUnauthorized},
		{"non member", "mallory", PostMessageRequest{RoomID: env.room, Content: "hi"}, http.StatusForbidden},
		{"malformed body", "alice", "{not json", http.StatusBadRequest},
		{"blank content", "alice", PostMessageRequest{RoomID: env.room, Content: "   "}, http.StatusBadRequest},
		{"missing room", "alice", PostMessageRequest{Content: "hi"}, http.StatusBadRequest},
		{"too long", "alice", PostMessageRequest{RoomID: env.room, Content: strings.Repeat("x", delivery.MaxContentRunes+1)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.apiRequest(t, http.MethodPost, "/api/messages", tt.identity, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, false, body["ok"])
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Empty(t, env.store.Inserted())
}

func TestPostMessageStoreFailureHidesDetail(t *testing.T) {
	env := newTestEnv(t)
	env.store.InsertErr = errors.New("pq: connection refused to 10.0.0.5")

	resp, body := env.apiRequest(t, http.MethodPost, "/api/messages", "alice",
		PostMessageRequest{RoomID: env.room, Content: "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", body["error"])
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp, _ := env.apiRequest(t, http.MethodPost, "/api/messages", "alice",
			PostMessageRequest{RoomID: env.room, Content: fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.apiRequest(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", env.room), "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["messages"], 3)

	resp, body = env.apiRequest(t, http.MethodGet, fmt.Sprintf("/api/messages?roomId=%d&limit=2", env.room), "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].(map[string]any)["content"])

	resp, _ = env.apiRequest(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", env.room), "mallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.apiRequest(t, http.MethodGet, "/api/messages/abc", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.apiRequest(t, http.MethodGet, "/api/messages", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessagesEmptyRoomIsArray(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.apiRequest(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", env.room), "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["messages"])
	assert.Empty(t, body["messages"])
}

func TestAskSolo(t *testing.T) {
	env := newTestEnv(t)
	env.ai.set(assistant.Answer{Text: "Paris"}, nil)

	resp, body := env.apiRequest(t, http.MethodPost, "/api/ai/solo", "alice", AskRequest{RoomID: env.room, Prompt: "capital of France?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Paris", body["answer"])
	assert.Equal(t, false, body["isFallback"])
	assert.NotContains(t, body, "message")
	assert.Empty(t, env.store.Inserted())
}

func TestAskDegradedAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.ai.set(assistant.Answer{Text: "assistant is off", Degraded: true}, nil)

	resp, body := env.apiRequest(t, http.MethodPost, "/api/ai/solo", "alice", AskRequest{Prompt: "anyone?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isFallback"])
}

func TestAskInRoomPostsAnswer(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")
	require.True(t, request(t, bob, FrameRoomJoin, "j1", JoinPayload{RoomID: env.room}).OK)

	resp, body := env.apiRequest(t, http.MethodPost, "/api/ai", "alice", AskRequest{RoomID: env.room, Prompt: "hello?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "message")

	got := decodeMessage(t, waitFor(t, bob, FrameMessageNew))
	assert.Equal(t, "Gemini", got.Sender)
	assert.Equal(t, "42", got.Text())

	resp, _ = env.apiRequest(t, http.MethodPost, "/api/ai", "mallory", AskRequest{RoomID: env.room, Prompt: "hello?"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAskErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		prompt string
		status int
	}{
		{"empty prompt", nil, "   ", http.StatusBadRequest},
		{"timeout", assistant.ErrTimeout, "q", http.StatusGatewayTimeout},
		{"provider rejected", &assistant.ProviderError{Model: "m", Status: 403, Message: "denied"}, "q", http.StatusBadGateway},
		{"exhausted", fmt.Errorf("%w: %w", assistant.ErrLadderExhausted, &assistant.ProviderError{Status: 503}), "q", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ai.set(assistant.Answer{}, tt.err)

			resp, body := env.apiRequest(t, http.MethodPost, "/api/ai/solo", "alice", AskRequest{Prompt: tt.prompt})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, false, body["ok"])
		})
	}
}

func TestRooms(t *testing.T) {
	env := newTestEnv(t)

	resp, first := env.apiRequest(t, http.MethodPost, "/api/rooms/dm", "alice", DirectRoomRequest{Other: "carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, second := env.apiRequest(t, http.MethodPost, "/api/rooms/dm", "carol", DirectRoomRequest{Other: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["roomId"], second["roomId"], "direct room id must not depend on who asks")

	resp, _ = env.apiRequest(t, http.MethodPost, "/api/rooms/dm", "alice", DirectRoomRequest{Other: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, group := env.apiRequest(t, http.MethodPost, "/api/rooms/group", "carol", GroupRoomRequest{Name: "ops", Members: []string{"dave"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = env.apiRequest(t, http.MethodPost, "/api/rooms/group", "carol", GroupRoomRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.apiRequest(t, http.MethodGet, "/api/rooms", "carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rooms := body["rooms"].([]any)
	ids := make([]any, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.(map[string]any)["id"])
	}
	assert.ElementsMatch(t, []any{first["roomId"], group["roomId"]}, ids)

	resp, _ = env.apiRequest(t, http.MethodPost, "/api/messages", "carol",
		PostMessageRequest{RoomID: chat.RoomID(roomIDOf(t, group)), Content: "creator is a member"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestPresenceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_ = env.dial(t, "alice")

	require.Eventually(t, func() bool {
		resp, body := env.apiRequest(t, http.MethodGet, "/api/presence", "bob", nil)
		users, _ := body["users"].([]any)
		return resp.StatusCode == http.StatusOK && len(users) == 1 && users[0] == "alice"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.apiRequest(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	env.store.PingErr = errors.New("database is locked")
	resp, body = env.apiRequest(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "store unavailable", body["error"])
}

func TestBannerAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GoChat server is running!", string(raw))

	resp, err = http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "gochat_")

	resp, err = http.Get(env.ts.URL + "/test")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func roomIDOf(t *testing.T, body map[string]any) int64 {
	t.Helper()
	id, ok := body["roomId"].(float64)
	require.True(t, ok, "expected roomId in %v", body)
	return int64(id)
}

func TestRoomActivityIsAnnounced(t *testing.T) {
	env := newTestEnv(t)
	idle := env.dial(t, "bob")
	require.True(t, request(t, idle, FramePresenceList, "p1", nil).OK)

	roomOf := func(f Frame) chat.RoomID {
		var p RoomPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		return p.RoomID
	}

	resp, _ := env.apiRequest(t, http.MethodPost, "/api/messages", "alice", PostMessageRequest{RoomID: env.room, Content: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, env.room, roomOf(waitFor(t, idle, FrameRoomsChanged)))

	resp, _ = env.apiRequest(t, http.MethodPost, "/api/ai", "alice", AskRequest{RoomID: env.room, Prompt: "hello?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, env.room, roomOf(waitFor(t, idle, FrameRoomsChanged)))

	resp, group := env.apiRequest(t, http.MethodPost, "/api/rooms/group", "carol", GroupRoomRequest{Name: "ops", Members: []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, chat.RoomID(roomIDOf(t, group)), roomOf(waitFor(t, idle, FrameRoomsChanged)))

	resp, dm := env.apiRequest(t, http.MethodPost, "/api/rooms/dm", "alice", DirectRoomRequest{Other: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, chat.RoomID(roomIDOf(t, dm)), roomOf(waitFor(t, idle, FrameRoomsChanged)))
}
