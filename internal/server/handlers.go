package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/merr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const resolveTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// NameResolver looks up the display name for a client-supplied identity.
type NameResolver interface {
	ResolveDisplayName(ctx context.Context, identity string) (string, bool, error)
}

// HistoryReader returns recent conversation for a room.
type HistoryReader interface {
	History(ctx context.Context, room string, limit int) ([]store.Conversation, error)
}

// UserDirectory registers users and looks them up.
type UserDirectory interface {
	CreateUser(ctx context.Context, username, phone string) (*store.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*store.User, error)
}

// Handlers serves the HTTP surface of the chat service.
type Handlers struct {
	broker  Broker
	hub     *Hub
	names   NameResolver
	history HistoryReader
	users   UserDirectory
}

// HandlerOption customizes Handlers.
type HandlerOption func(*Handlers)

// WithNameResolver resolves the ?user= query parameter into a display name.
func WithNameResolver(r NameResolver) HandlerOption {
	return func(h *Handlers) {
		h.names = r
	}
}

// WithHistory enables the /history endpoint.
func WithHistory(r HistoryReader) HandlerOption {
	return func(h *Handlers) {
		h.history = r
	}
}

// WithUsers enables the /users endpoint.
func WithUsers(d UserDirectory) HandlerOption {
	return func(h *Handlers) {
		h.users = d
	}
}

// NewHandlers creates the handlers for b. Sessions are tracked by hub.
func NewHandlers(b Broker, hub *Hub, opts ...HandlerOption) *Handlers {
	h := &Handlers{broker: b, hub: hub}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, resolves the optional user identity, upgrades
// the connection and hands it to a new Session.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	name, err := h.resolveName(r)
	if err != nil {
		if errors.Is(err, merr.ErrInvalidIdentity) {
			http.Error(w, "invalid user identity", http.StatusBadRequest)
			return
		}
		log.Warn("display name lookup failed, continuing anonymously",
			log.FieldAddr(r.RemoteAddr), zap.Error(err))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", log.FieldAddr(r.RemoteAddr), zap.Error(err))
		return
	}

	h.hub.Serve(NewSession(conn, h.broker, r.RemoteAddr, name))
}

func (h *Handlers) resolveName(r *http.Request) (string, error) {
	identity := r.URL.Query().Get("user")
	if identity == "" || h.names == nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()

	name, ok, err := h.names.ResolveDisplayName(ctx, identity)
	if err != nil || !ok {
		return "", err
	}
	return name, nil
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RoomChat server is running!")
}

// RoomsHandler lists the rooms that currently have members. With a room
// query parameter it reports the member count of that room instead.
func (h *Handlers) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if room := r.URL.Query().Get("room"); room != "" {
		members, err := h.broker.Members(room)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, roomMembers{Room: room, Members: members})
		return
	}

	rooms, err := h.broker.ListRooms()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if rooms == nil {
		rooms = []string{}
	}
	writeJSON(w, map[string][]string{"rooms": rooms})
}

type roomMembers struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// StatsHandler reports session and room counts.
func (h *Handlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.broker.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, stats)
}

type historyEntry struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// HistoryHandler returns the most recent messages of ?room= (default main),
// oldest first. ?limit= caps how many.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "history is not enabled", http.StatusNotFound)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		room = broker.DefaultRoom
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := h.history.History(r.Context(), room, limit)
	if err != nil {
		log.Warn("history query failed", log.FieldRoom(room), zap.Error(err))
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	entries := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, historyEntry{From: row.Sender, Text: row.Content, At: row.CreatedAt})
	}
	writeJSON(w, map[string]any{"room": room, "messages": entries})
}

type newUserRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
}

const maxUserRequestSize = 4 << 10

// UsersHandler registers a user on POST and looks one up by ?phone= on GET.
func (h *Handlers) UsersHandler(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		http.Error(w, "user registry is not enabled", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.createUser(w, r)
	case http.MethodGet:
		h.findUser(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) createUser(w http.ResponseWriter, r *http.Request) {
	var req newUserRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUserRequestSize)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Phone == "" {
		http.Error(w, "username and phone are required", http.StatusBadRequest)
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Username, req.Phone)
	if err != nil {
		log.Warn("create user failed", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "could not create user", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, user)
}

func (h *Handlers) findUser(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}

	user, err := h.users.FindUserByPhone(r.Context(), phone)
	switch {
	case errors.Is(err, merr.ErrUserNotFound):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   http.StatusNotFound,
			"message": "no user found with phone: " + phone,
		})
	case err != nil:
		log.Warn("find user failed", zap.Error(err))
		http.Error(w, "user lookup unavailable", http.StatusServiceUnavailable)
	default:
		writeJSON(w, user)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("error writing JSON response", zap.Error(err))
	}
}

// TestPageHandler serves an HTML page for trying the chat from a browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		log.Warn("error writing HTML response", zap.Error(err))
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>RoomChat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            white-space: pre-wrap;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RoomChat Test</h1>
    <p>Commands: <code>/list</code>, <code>/join room</code>, <code>/name nick</code>, <code>/quit</code>.</p>
    <div id="status" class="status disconnected">Disconnected</div>
    <input type="text" id="userInput" placeholder="user id (optional)">
    <button id="connectButton" onclick="toggleConnection()">Connect</button>
    <div id="messages"></div>
    <input type="text" id="messageInput" placeholder="Type a message or command..." disabled>
    <button id="sendButton" onclick="sendMessage()" disabled>Send</button>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const userInput = document.getElementById('userInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'black';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            let url = (location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws';
            if (userInput.value.trim()) {
                url += '?user=' + encodeURIComponent(userInput.value.trim());
            }
            ws = new WebSocket(url);
            ws.onopen = function() { addLine('connected', 'gray'); updateStatus(true); };
            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(line) {
                    addLine(line, line.startsWith('!') ? 'red' : (line.startsWith('*') ? 'gray' : 'green'));
                });
            };
            ws.onclose = function(event) {
                addLine('connection closed' + (event.reason ? ': ' + event.reason : ''), 'gray');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() { addLine('connection error', 'red'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value;
            if (message.trim() && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(message);
                if (!message.startsWith('/')) {
                    addLine('you: ' + message, 'blue');
                }
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
