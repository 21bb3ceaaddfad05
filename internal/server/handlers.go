package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/delivery"
	"github.com/Tyrowin/gochat/internal/store"
)

// Deps are the collaborators the HTTP and WebSocket handlers need.
type Deps struct {
	Hub      *Hub
	Store    store.Store
	Pipeline *delivery.Pipeline
	Verifier auth.Verifier
	Logger   zerolog.Logger
}

// Server holds the handlers' shared state.
type Server struct {
	cfg      Config
	hub      *Hub
	store    store.Store
	pipeline *delivery.Pipeline
	verifier auth.Verifier
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a Server. cfg is sanitized first.
func New(cfg Config, deps Deps) *Server {
	cfg = sanitizeConfig(cfg)
	s := &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		store:    deps.Store,
		pipeline: deps.Pipeline,
		verifier: deps.Verifier,
		origins:  newOriginPolicy(cfg.AllowedOrigins, deps.Logger),
		log:      deps.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// WebSocketHandler upgrades GET /ws. A token in the Authorization header or
// the token query parameter authenticates the session up front; without one
// the client must send an auth frame before joining a room.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var identity string
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		identity = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, s, r.RemoteAddr, identity)
	if err := s.hub.Register(client, identity); err != nil {
		s.log.Warn().Err(err).Msg("register client")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		_ = conn.Close()
	}
}

// HealthHandler reports whether the store is reachable.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		s.JSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "store unavailable"})
		return
	}
	s.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

// BannerHandler answers the root path.
func BannerHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// TestPageHandler serves an HTML page for exercising the WebSocket protocol
// by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="room" placeholder="room id" size="8">
        <button onclick="join()">Join</button>
        <button onclick="send({type: 'presence:list'})">Who is online</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Type a message or /ai question..." size="50">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let seq = 0;
        const seen = new Set();
        const messagesDiv = document.getElementById('messages');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function render(msg) {
            if (!msg || seen.has(msg.id)) {
                return;
            }
            seen.add(msg.id);
            addLine('[' + msg.roomId + '] ' + msg.sender + ': ' + (msg.content || ''), 'green');
        }

        function send(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                frame.request_id = String(++seq);
                ws.send(JSON.stringify(frame));
            }
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = document.getElementById('token').value.trim();
            ws = new WebSocket(scheme + location.host + '/ws' + (token ? '?token=' + encodeURIComponent(token) : ''));
            ws.onopen = function() {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
                document.getElementById('connectButton').textContent = 'Disconnect';
            };
            ws.onmessage = function(event) {
                const frame = JSON.parse(event.data);
                const p = frame.payload || {};
                if (frame.type === 'message:new') {
                    render(p);
                } else if (frame.type === 'ack') {
                    render(p.message);
                    render(p.reply);
                    if (!p.ok) {
                        addLine('error: ' + p.code + ' ' + p.error, 'red');
                    }
                } else {
                    addLine(frame.type + ' ' + JSON.stringify(p));
                }
            };
            ws.onclose = function() {
                addLine('Connection closed');
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
                document.getElementById('connectButton').textContent = 'Connect';
                ws = null;
            };
        }

        function join() {
            send({type: 'room:join', payload: {roomId: Number(document.getElementById('room').value)}});
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const content = input.value.trim();
            if (content) {
                send({type: 'msg:send', payload: {content: content}});
                input.value = '';
            }
        }
    </script>
</body>
</html>`
