package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/merr"
	"github.com/Tyrowin/roomchat/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	closeGraceWait = time.Second
)

// Broker is the part of the chat broker a session talks to.
type Broker interface {
	Connect(out broker.Outbox) (broker.SessionID, error)
	Disconnect(id broker.SessionID) error
	Join(id broker.SessionID, room string) error
	Broadcast(id broker.SessionID, text string) error
	SetName(id broker.SessionID, name string) error
	Heartbeat(id broker.SessionID) error
	ListRooms() ([]string, error)
	Members(room string) (int, error)
	Stats() (broker.Stats, error)
}

// SessionState is the lifecycle stage of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one WebSocket connection to the broker. It parses inbound
// lines into broker commands, renders broker events into outbound text and
// pings the client so that pongs keep the broker's heartbeat fresh.
type Session struct {
	conn   *websocket.Conn
	broker Broker
	addr   string
	name   string

	id    atomic.Uint64
	state atomic.Int32

	send chan string

	ctx    context.Context
	cancel context.CancelFunc

	pingInterval   time.Duration
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	closeOnce   sync.Once
	writing     atomic.Bool
	writerDone  chan struct{}
	evictReason atomic.Error
	log         *zap.Logger
}

// NewSession creates a Session for an upgraded connection. name is the
// resolved display name and may be empty.
func NewSession(conn *websocket.Conn, b Broker, addr, name string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:           conn,
		broker:         b,
		addr:           addr,
		name:           name,
		send:           make(chan string, cfg.SendQueueSize),
		ctx:            ctx,
		cancel:         cancel,
		pingInterval:   cfg.PingInterval,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		writerDone:     make(chan struct{}),
		log:            log.With(log.FieldComponent("session"), log.FieldAddr(addr)),
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ID returns the broker-assigned id, or 0 before the session is registered.
func (s *Session) ID() broker.SessionID {
	return broker.SessionID(s.id.Load())
}

// Run registers the session with the broker and serves the connection until
// either side closes it. It always leaves the session Closed.
func (s *Session) Run() {
	id, err := s.broker.Connect(s)
	if err != nil {
		s.log.Warn("session rejected", zap.Error(err))
		s.close(err)
		return
	}
	s.id.Store(uint64(id))
	s.state.Store(int32(StateActive))

	if s.name != "" {
		if err := s.broker.SetName(id, s.name); err != nil {
			s.close(err)
			return
		}
	}
	s.log.Info("session active", log.FieldSession(uint64(id)), zap.String("name", s.name))

	s.writing.Store(true)
	go s.writePump()
	s.close(s.readPump())
}

// Deliver queues an event for the client. It never blocks: the event is
// dropped when the session is closing or its queue is full.
func (s *Session) Deliver(ev broker.Event) bool {
	return s.enqueue(RenderEvent(ev))
}

// Evict closes the connection on behalf of the broker. It returns at once;
// teardown finishes on the session's own goroutines. The close frame is sent
// first and the read pump keeps draining until the client answers it or
// closeGraceWait passes.
func (s *Session) Evict(reason error) {
	if reason == nil {
		reason = merr.ErrSessionClosed
	}
	s.evictReason.Store(reason)
	s.cancel()
	if s.conn != nil {
		go func() {
			s.writeClose(closeCode(reason), reason.Error())
			if err := s.conn.SetReadDeadline(time.Now().Add(closeGraceWait)); err != nil {
				_ = s.conn.Close()
			}
		}()
	}
}

func (s *Session) enqueue(line string) bool {
	if s.ctx.Err() != nil {
		metrics.SessionEventsDropped.WithLabelValues(metrics.ReasonClosed).Inc()
		return false
	}

	select {
	case s.send <- line:
		return true
	default:
		metrics.SessionEventsDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
		s.log.Debug("send queue full, dropping event", zap.Int("queued", len(s.send)))
		return false
	}
}

// close moves the session through Closing to Closed. The broker is told
// about the departure exactly once, whichever side initiated it.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()

		if id := s.ID(); id != 0 {
			if err := s.broker.Disconnect(id); err != nil && !errors.Is(err, merr.ErrBrokerClosed) {
				s.log.Warn("disconnect failed", zap.Error(err))
			}
		}

		if s.conn != nil {
			s.writeClose(websocket.CloseNormalClosure, "")
			if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
				s.log.Warn("error closing connection", zap.Error(err))
			}
		}

		if s.writing.Load() {
			<-s.writerDone
		}
		s.state.Store(int32(StateClosed))

		fields := []zap.Field{log.FieldSession(uint64(s.ID()))}
		if cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		s.log.Info("session closed", fields...)
	})
}

func closeCode(reason error) int {
	if errors.Is(reason, merr.ErrBrokerClosed) {
		return websocket.CloseGoingAway
	}
	return websocket.ClosePolicyViolation
}

// maxCloseText keeps a close reason inside the 125 byte control frame limit.
const maxCloseText = 123

func (s *Session) writeClose(code int, text string) {
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
	}
	msg := websocket.FormatCloseMessage(code, text)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceWait))
	if err != nil && !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Debug("error writing close frame", zap.Error(err))
	}
}

func (s *Session) heartbeat() {
	if err := s.broker.Heartbeat(s.ID()); err != nil {
		s.log.Debug("heartbeat not delivered", zap.Error(err))
	}
}

// setupReadConnection installs the pong handler. Pongs answer our pings and
// are the main source of heartbeats for idle clients.
func (s *Session) setupReadConnection() {
	s.conn.SetPongHandler(func(string) error {
		if s.ctx.Err() == nil {
			s.heartbeat()
		}
		return nil
	})
}

// readPump reads frames until the connection fails or the client quits. It
// returns the reason the session should close, nil for a clean /quit.
func (s *Session) readPump() error {
	s.setupReadConnection()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			if reason := s.evictReason.Load(); reason != nil {
				return reason
			}
			return err
		}

		// evicted: wait for the client's close reply
		if s.ctx.Err() != nil {
			continue
		}

		metrics.SessionFramesReceived.Inc()
		s.heartbeat()

		if err := s.checkRateLimit(); err != nil {
			s.log.Warn("discarding message", zap.Error(err))
			continue
		}

		if quit := s.processFrame(payload); quit {
			return nil
		}
	}
}

// handleReadError logs appropriate messages based on the error type.
func (s *Session) handleReadError(err error) {
	switch {
	case s.ctx.Err() != nil:
		s.log.Debug("read stopped after close", zap.Error(err))
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("message exceeded maximum size", zap.Int64("limit", s.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Info("connection closed", zap.Error(err))
	default:
		s.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit returns ErrRateLimited when the frame must be discarded.
func (s *Session) checkRateLimit() error {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		return merr.WrapErrRateLimited(s.rateLimit.Burst, s.rateLimit.RefillInterval)
	}
	return nil
}

// processFrame handles every line in payload and reports whether the client
// asked to quit.
func (s *Session) processFrame(payload []byte) bool {
	for _, line := range splitLines(payload) {
		req, err := ParseLine(line)
		if err != nil {
			s.log.Debug("bad request", zap.Error(err))
			s.enqueue(renderError(err))
			continue
		}
		if s.handleRequest(req) {
			return true
		}
	}
	return false
}

func (s *Session) handleRequest(req Request) bool {
	id := s.ID()
	var err error

	switch req.Kind {
	case RequestNone:
	case RequestBroadcast:
		err = s.broker.Broadcast(id, req.Arg)
	case RequestJoin:
		err = s.broker.Join(id, req.Arg)
	case RequestName:
		err = s.broker.SetName(id, req.Arg)
	case RequestList:
		var rooms []string
		if rooms, err = s.broker.ListRooms(); err == nil {
			s.enqueue(RenderEvent(broker.RoomList{Rooms: rooms}))
		}
	case RequestQuit:
		return true
	}

	if err != nil {
		s.log.Debug("broker rejected request", zap.Error(err))
		if errors.Is(err, merr.ErrBrokerClosed) {
			return true
		}
	}
	return false
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		// a failed write must also end the read side
		if s.ctx.Err() == nil {
			_ = s.conn.Close()
		}
		close(s.writerDone)
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-s.ctx.Done():
		return false
	case line := <-s.send:
		return s.writeText(line)
	case <-ticker.C:
		return s.handlePing()
	}
}

// writeText writes line and anything else already queued as one frame, one
// line each.
func (s *Session) writeText(line string) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Debug("error setting write deadline", zap.Error(err))
		return false
	}

	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		s.logWriteError("error creating writer", err)
		return false
	}

	if _, err := io.WriteString(w, line); err != nil {
		s.logWriteError("error writing message", err)
		return false
	}

	for n := len(s.send); n > 0; n-- {
		if _, err := io.WriteString(w, "\n"+<-s.send); err != nil {
			s.logWriteError("error writing queued message", err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		s.logWriteError("error closing writer", err)
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (s *Session) handlePing() bool {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		s.logWriteError("error writing ping", err)
		return false
	}
	return true
}

func (s *Session) logWriteError(msg string, err error) {
	if isExpectedCloseError(err) || s.ctx.Err() != nil {
		return
	}
	s.log.Warn(msg, zap.Error(err))
}
