package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/assistant"
	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/delivery"
	"github.com/Tyrowin/gochat/internal/testutil"
)

const testOriginURL = "http://localhost:8080"

type fakeAssistant struct {
	mu     sync.Mutex
	answer assistant.Answer
	err    error
	delay  time.Duration
}

func (f *fakeAssistant) Answer(ctx context.Context, _ string) (assistant.Answer, error) {
	f.mu.Lock()
	answer, err, delay := f.answer, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return assistant.Answer{}, ctx.Err()
		}
	}
	return answer, err
}

func (f *fakeAssistant) slow(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = delay
}

func (f *fakeAssistant) set(answer assistant.Answer, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = answer
	f.err = err
}

type testEnv struct {
	hub   *Hub
	store *testutil.MockStore
	ai    *fakeAssistant
	srv   *Server
	ts    *httptest.Server
	room  chat.RoomID
}

type envOptions struct {
	verifier  auth.Verifier
	customize func(cfg *Config)
}

// newTestEnv starts a hub and an httptest server. Room "general" has alice
// and bob as members.
func newTestEnv(t *testing.T, opts ...func(*envOptions)) *testEnv {
	t.Helper()

	o := envOptions{verifier: auth.Insecure{}}
	for _, opt := range opts {
		opt(&o)
	}

	log := zerolog.Nop()
	hub := NewHub(log)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(5 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
	})

	st := testutil.NewMockStore()
	room := st.AddRoom("general", "alice", "bob")
	ai := &fakeAssistant{answer: assistant.Answer{Text: "42"}}
	pipeline := delivery.New(st, hub, delivery.WithAssistant(ai, "Gemini"))

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{testOriginURL}
	cfg.RateLimit.Burst = 100
	if o.customize != nil {
		o.customize(cfg)
	}

	srv := New(*cfg, Deps{
		Hub:      hub,
		Store:    st,
		Pipeline: pipeline,
		Verifier: o.verifier,
		Logger:   log,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{hub: hub, store: st, ai: ai, srv: srv, ts: ts, room: room}
}

func (e *testEnv) wsURL(token string) string {
	u, _ := url.Parse(e.ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// dial connects with the allowed origin. An empty token connects anonymously.
func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(token), newOriginHeader(testOriginURL))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	f := Frame{Type: frameType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal payload: %v", err)
		}
		f.Payload = raw
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("Failed to send %s frame: %v", frameType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (Frame, error) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("Server sent an undecodable frame %q: %v", raw, err)
	}
	return f, nil
}

// waitFor reads frames until one of frameType arrives, skipping the rest.
func waitFor(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, conn, time.Until(deadline))
		if err != nil {
			t.Fatalf("Waiting for %s frame: %v", frameType, err)
		}
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("Timed out waiting for %s frame", frameType)
	return Frame{}
}

// request sends a frame and waits for its ack.
func request(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) AckPayload {
	t.Helper()
	sendFrame(t, conn, frameType, requestID, payload)
	for {
		f := waitFor(t, conn, FrameAck)
		if f.RequestID != requestID {
			continue
		}
		var ack AckPayload
		if err := json.Unmarshal(f.Payload, &ack); err != nil {
			t.Fatalf("Failed to decode ack: %v", err)
		}
		return ack
	}
}

func decodeMessage(t *testing.T, f Frame) chat.Message {
	t.Helper()
	var msg chat.Message
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, frameType string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, conn, time.Until(deadline))
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			t.Fatalf("Unexpected error while waiting for absence of %s: %v", frameType, err)
		}
		if f.Type == frameType {
			t.Fatalf("Expected no %s frame, got %s", frameType, f.Payload)
		}
	}
}

// apiRequest calls the REST API as identity. An empty identity sends no token.
func (e *testEnv) apiRequest(t *testing.T, method, path, identity string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if s, ok := body.(string); ok {
		reader = strings.NewReader(s)
	} else if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+identity)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// newTestClient returns a client without a socket for hub tests.
func newTestClient(hub *Hub, buffer int) *Client {
	return &Client{send: make(chan []byte, buffer), hub: hub, addr: "test"}
}

// drain returns the frames queued for c without blocking.
func drain(t *testing.T, c *Client) []Frame {
	t.Helper()
	var frames []Frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return frames
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("Hub queued an undecodable frame: %v", err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func framesOfType(frames []Frame, frameType string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}
