package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/assistant"
	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/delivery"
	"github.com/Tyrowin/gochat/internal/store"
)

// TestNewConfig verifies the transport defaults.
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.Port != ":8080" {
		t.Errorf("Expected default port :8080, got %s", cfg.Port)
	}
	if cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("Expected max message size %d, got %d", defaultMaxMessageSize, cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("Unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.PongWait != 60*time.Second {
		t.Errorf("Expected pong wait 60s, got %s", cfg.PongWait)
	}
}

// TestSanitizeConfig verifies that unusable values fall back to defaults.
func TestSanitizeConfig(t *testing.T) {
	cfg := sanitizeConfig(Config{
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		PongWait:       -time.Second,
	})

	if cfg.Port != defaultPort {
		t.Errorf("Expected port %s, got %s", defaultPort, cfg.Port)
	}
	if cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("Expected max message size %d, got %d", defaultMaxMessageSize, cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != defaultBurst {
		t.Errorf("Expected burst %d, got %d", defaultBurst, cfg.RateLimit.Burst)
	}
	if cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("Expected refill interval 1s, got %s", cfg.RateLimit.RefillInterval)
	}
	if cfg.PongWait != defaultPongWait {
		t.Errorf("Expected pong wait %s, got %s", defaultPongWait, cfg.PongWait)
	}
}

// TestConfigFrom verifies the mapping from the process configuration.
func TestConfigFrom(t *testing.T) {
	app, err := config.LoadFrom(map[string]string{
		"SERVER_PORT":                ":9090",
		"ALLOWED_ORIGINS":            "https://chat.example.com, *",
		"MAX_MESSAGE_SIZE":           "2048",
		"RATE_LIMIT_BURST":           "10",
		"RATE_LIMIT_REFILL_INTERVAL": "3",
	})
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	cfg := ConfigFrom(app)
	if cfg.Port != ":9090" || cfg.MaxMessageSize != 2048 {
		t.Errorf("Unexpected transport config: %+v", cfg)
	}
	if cfg.RateLimit.Burst != 10 || cfg.RateLimit.RefillInterval != 3*time.Second {
		t.Errorf("Unexpected rate limit: %+v", cfg.RateLimit)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("Expected 2 origins, got %v", cfg.AllowedOrigins)
	}
}

// TestOriginPolicy covers normalization and matching of allowed origins.
func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{" http://Example.com ", "not-a-url", "", "https://chat.example.com:8443"}, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://example.com", true},
		{"HTTP://EXAMPLE.COM", true},
		{"http://Example.Com", true},
		{"https://example.com", false},
		{"https://chat.example.com:8443", true},
		{"https://chat.example.com", false},
		{"", false},
		{"not-a-url", false},
		{"://missing-scheme", false},
		{"http://", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := policy.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}

	if n := len(policy.patterns()); n != 2 {
		t.Errorf("Expected 2 normalized origins, got %d", n)
	}
}

// TestOriginPolicyWildcard verifies that "*" admits any well-formed origin.
func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	if !policy.isAllowed(r) {
		t.Error("Expected wildcard to allow any origin")
	}

	r.Header.Set("Origin", "garbage")
	if policy.isAllowed(r) {
		t.Error("Expected malformed origin to be rejected even with wildcard")
	}
	if p := policy.patterns(); len(p) != 1 || p[0] != "*" {
		t.Errorf("Expected [*], got %v", p)
	}
}

// TestPeekRequestID verifies correlation ids are recovered from frames that
// are not handled.
func TestPeekRequestID(t *testing.T) {
	tests := map[string]string{
		`{"type":"presence:list","request_id":"7"}`: "7",
		`{"type":"presence:list"}`:                  "",
		`not json`:                                  "",
	}
	for raw, want := range tests {
		if got := peekRequestID([]byte(raw)); got != want {
			t.Errorf("peekRequestID(%s) = %q, want %q", raw, got, want)
		}
	}
}

// TestTokenBucket verifies the burst and the continuous refill.
func TestTokenBucket(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	b := newTokenBucket(RateLimitConfig{Burst: 3, RefillInterval: 3 * time.Second})
	b.now = func() time.Time { return clock }
	b.last = clock

	for i := 0; i < 3; i++ {
		if !b.take() {
			t.Fatalf("Expected frame %d within burst to be allowed", i)
		}
	}
	if b.take() {
		t.Fatal("Expected frame beyond burst to be rejected")
	}

	clock = clock.Add(time.Second)
	if !b.take() {
		t.Error("Expected one token after a third of the interval")
	}
	if b.take() {
		t.Error("Expected the refilled token to be spent")
	}

	clock = clock.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !b.take() {
			t.Fatalf("Expected a full bucket after idling, frame %d rejected", i)
		}
	}
	if b.take() {
		t.Error("Expected refill to be capped at the burst")
	}

	if fallback := newTokenBucket(RateLimitConfig{}); fallback.burst != 1 {
		t.Errorf("Expected burst 1 for invalid input, got %v", fallback.burst)
	}
}

// TestErrorMapping verifies the single place errors become protocol codes
// and HTTP statuses.
func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"invalid", fmt.Errorf("%w: blank", delivery.ErrInvalid), CodeInvalidArgument, http.StatusBadRequest},
		{"store invalid", store.ErrInvalid, CodeInvalidArgument, http.StatusBadRequest},
		{"bad frame", errBadRequest, CodeInvalidArgument, http.StatusBadRequest},
		{"unauthenticated", fmt.Errorf("%w: expired", auth.ErrUnauthenticated), CodeUnauthenticated, http.StatusUnauthorized},
		{"not member", delivery.ErrNotMember, CodeForbidden, http.StatusForbidden},
		{"reserved identity", delivery.ErrReservedIdentity, CodeForbidden, http.StatusForbidden},
		{"rate limited", errRateLimited, CodeResourceExhausted, http.StatusInternalServerError},
		{"timeout", fmt.Errorf("%w: %w", delivery.ErrAssistant, assistant.ErrTimeout), CodeUnavailable, http.StatusGatewayTimeout},
		{"assistant fatal", fmt.Errorf("%w: %w", delivery.ErrAssistant, &assistant.ProviderError{Status: 403}), CodeUnavailable, http.StatusBadGateway},
		{"assistant disabled", fmt.Errorf("%w: %w", delivery.ErrAssistant, assistant.ErrDisabled), CodeUnavailable, http.StatusServiceUnavailable},
		{"hub closed", ErrHubClosed, CodeUnavailable, http.StatusServiceUnavailable},
		{"persist", fmt.Errorf("%w: disk full", delivery.ErrPersist), CodeInternal, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorCode(tt.err); got != tt.code {
				t.Errorf("errorCode = %s, want %s", got, tt.code)
			}
			if got := httpStatus(tt.err); got != tt.status {
				t.Errorf("httpStatus = %d, want %d", got, tt.status)
			}
		})
	}

	if msg := publicMessage(fmt.Errorf("%w: password=hunter2", delivery.ErrPersist)); msg != "internal error" {
		t.Errorf("Expected internal detail to be hidden, got %q", msg)
	}
}

// TestCreateServer verifies the production timeouts.
func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":8080", handler)

	if srv.Addr != ":8080" {
		t.Errorf("Expected server addr :8080, got %s", srv.Addr)
	}
	if srv.ReadTimeout != 15*time.Second || srv.WriteTimeout != 15*time.Second || srv.IdleTimeout != 60*time.Second {
		t.Errorf("Unexpected timeouts: read %v write %v idle %v", srv.ReadTimeout, srv.WriteTimeout, srv.IdleTimeout)
	}
}

// TestStartAndShutdownServer verifies the listen and graceful stop helpers.
func TestStartAndShutdownServer(t *testing.T) {
	srv := CreateServer("127.0.0.1:0", http.NewServeMux())
	errc := make(chan error, 1)
	go func() { errc <- StartServer(srv, zerolog.Nop()) }()
	time.Sleep(50 * time.Millisecond)

	if err := ShutdownServer(srv, time.Second, zerolog.Nop()); err != nil {
		t.Fatalf("ShutdownServer failed: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
}
