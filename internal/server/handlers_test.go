package server

import (
	"context"
	"net/http"
	"strings"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/pkg/merr"
)

// stubBroker answers the read-only queries used by the HTTP handlers.
type stubBroker struct {
	Broker
	rooms   []string
	members map[string]int
	stats   broker.Stats
	err     error
}

func (s *stubBroker) ListRooms() ([]string, error) { return s.rooms, s.err }

func (s *stubBroker) Members(room string) (int, error) { return s.members[room], s.err }

func (s *stubBroker) Stats() (broker.Stats, error) { return s.stats, s.err }

type stubHistory struct {
	rows     []store.Conversation
	err      error
	gotRoom  string
	gotLimit int
}

func (s *stubHistory) History(_ context.Context, room string, limit int) ([]store.Conversation, error) {
	s.gotRoom, s.gotLimit = room, limit
	return s.rows, s.err
}

func serve(t *testing.T, handler http.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

// TestHealthHandler tests the health endpoint for any method.
func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rr := serve(t, HealthHandler, method, "/")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
		assert.Equal(t, "RoomChat server is running!", rr.Body.String())
	}
}

// TestTestPageHandler verifies that the test page is served as HTML.
func TestTestPageHandler(t *testing.T) {
	rr := serve(t, TestPageHandler, http.MethodGet, "/test")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "RoomChat Test")
	assert.Contains(t, rr.Body.String(), "/ws")
}

// TestWebSocketHandlerRejectsNonGet verifies that only GET reaches the
// upgrade.
func TestWebSocketHandlerRejectsNonGet(t *testing.T) {
	h := NewHandlers(&stubBroker{}, NewHub())
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rr := serve(t, h.WebSocketHandler, method, "/ws")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, method)
	}
}

// TestWebSocketHandlerRequiresUpgrade verifies that a plain GET fails the
// handshake without creating a session.
func TestWebSocketHandlerRequiresUpgrade(t *testing.T) {
	hub := NewHub()
	h := NewHandlers(&stubBroker{}, hub)

	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Origin", testOrigin)
	rr := httptest.NewRecorder()
	h.WebSocketHandler(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, hub.Len())
}

// TestRoomsHandler tests the room listing endpoint.
func TestRoomsHandler(t *testing.T) {
	h := NewHandlers(&stubBroker{rooms: []string{"lobby", "main"}}, NewHub())

	rr := serve(t, h.RoomsHandler, http.MethodGet, "/rooms")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"rooms":["lobby","main"]}`, rr.Body.String())

	empty := NewHandlers(&stubBroker{}, NewHub())
	rr = serve(t, empty.RoomsHandler, http.MethodGet, "/rooms")
	assert.JSONEq(t, `{"rooms":[]}`, rr.Body.String())

	closed := NewHandlers(&stubBroker{err: merr.ErrBrokerClosed}, NewHub())
	rr = serve(t, closed.RoomsHandler, http.MethodGet, "/rooms")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	rr = serve(t, closed.RoomsHandler, http.MethodGet, "/rooms?room=lobby")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	counted := NewHandlers(&stubBroker{members: map[string]int{"lobby": 3}}, NewHub())
	rr = serve(t, counted.RoomsHandler, http.MethodGet, "/rooms?room=lobby")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"room":"lobby","members":3}`, rr.Body.String())
	rr = serve(t, counted.RoomsHandler, http.MethodGet, "/rooms?room=empty")
	assert.JSONEq(t, `{"room":"empty","members":0}`, rr.Body.String())

	rr = serve(t, h.RoomsHandler, http.MethodPost, "/rooms")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

// TestStatsHandler tests the stats endpoint.
func TestStatsHandler(t *testing.T) {
	h := NewHandlers(&stubBroker{stats: broker.Stats{Sessions: 3, Rooms: 2}}, NewHub())

	rr := serve(t, h.StatsHandler, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sessions":3,"rooms":2}`, rr.Body.String())

	closed := NewHandlers(&stubBroker{err: merr.ErrBrokerClosed}, NewHub())
	rr = serve(t, closed.StatsHandler, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// TestHistoryHandler tests query parsing and the response shape of the
// history endpoint.
func TestHistoryHandler(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	history := &stubHistory{rows: []store.Conversation{
		{Room: "lobby", Sender: "Alice", Content: "hi", CreatedAt: at},
	}}
	h := NewHandlers(&stubBroker{}, NewHub(), WithHistory(history))

	rr := serve(t, h.HistoryHandler, http.MethodGet, "/history?room=lobby&limit=10")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "lobby", history.gotRoom)
	assert.Equal(t, 10, history.gotLimit)
	assert.JSONEq(t,
		`{"room":"lobby","messages":[{"from":"Alice","text":"hi","at":"2024-05-01T12:00:00Z"}]}`,
		rr.Body.String())

	rr = serve(t, h.HistoryHandler, http.MethodGet, "/history")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, broker.DefaultRoom, history.gotRoom)
	assert.Zero(t, history.gotLimit)

	rr = serve(t, h.HistoryHandler, http.MethodGet, "/history?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	history.err = merr.WrapErrStoreUnavailable("sqlite")
	rr = serve(t, h.HistoryHandler, http.MethodGet, "/history")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	disabled := NewHandlers(&stubBroker{}, NewHub())
	rr = serve(t, disabled.HistoryHandler, http.MethodGet, "/history")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestSetupRoutes verifies that every route is registered.
func TestSetupRoutes(t *testing.T) {
	h := NewHandlers(&stubBroker{rooms: []string{"main"}}, NewHub())
	ts := httptest.NewServer(SetupRoutes(h))
	defer ts.Close()

	for path, want := range map[string]int{
		"/":        http.StatusOK,
		"/test":    http.StatusOK,
		"/rooms":   http.StatusOK,
		"/stats":   http.StatusOK,
		"/metrics": http.StatusOK,
		"/history": http.StatusNotFound,
		"/users":   http.StatusNotFound,
		"/ws":      http.StatusBadRequest,
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

// TestCreateServerTimeouts verifies the production timeouts.
func TestCreateServerTimeouts(t *testing.T) {
	srv := CreateServer(":0", http.NewServeMux())
	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}

// TestShutdownServer verifies a started server stops cleanly.
func TestShutdownServer(t *testing.T) {
	srv := CreateServer("127.0.0.1:0", http.NewServeMux())
	errc := make(chan error, 1)
	go func() { errc <- StartServer(srv) }()

	require.Eventually(t, func() bool {
		return ShutdownServer(srv, time.Second) == nil
	}, time.Second, 10*time.Millisecond)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

type stubUsers struct {
	byPhone map[string]*store.User
	err     error
}

func (s *stubUsers) CreateUser(_ context.Context, username, phone string) (*store.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	user := &store.User{Username: username, Phone: phone}
	s.byPhone[phone] = user
	return user, nil
}

func (s *stubUsers) FindUserByPhone(_ context.Context, phone string) (*store.User, error) {
	if user, ok := s.byPhone[phone]; ok {
		return user, nil
	}
	return nil, merr.WrapErrUserNotFound(phone)
}

// TestUsersHandler tests user registration and lookup by phone.
func TestUsersHandler(t *testing.T) {
	users := &stubUsers{byPhone: map[string]*store.User{}}
	h := NewHandlers(&stubBroker{}, NewHub(), WithUsers(users))

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"username":"alice","phone":"555"}`))
	rr := httptest.NewRecorder()
	h.UsersHandler(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"username":"alice"`)
	require.Contains(t, users.byPhone, "555")

	rr = serve(t, h.UsersHandler, http.MethodGet, "/users?phone=555")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"phone":"555"`)

	rr = serve(t, h.UsersHandler, http.MethodGet, "/users?phone=999")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "no user found with phone: 999")

	rr = serve(t, h.UsersHandler, http.MethodGet, "/users")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"username":"bob"}`))
	rr = httptest.NewRecorder()
	h.UsersHandler(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`not json`))
	rr = httptest.NewRecorder()
	h.UsersHandler(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	users.err = merr.WrapErrStoreUnavailable("sqlite")
	req = httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"username":"carol","phone":"777"}`))
	rr = httptest.NewRecorder()
	h.UsersHandler(rr, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = serve(t, h.UsersHandler, http.MethodDelete, "/users")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
