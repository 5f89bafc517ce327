package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/merr"
)

// Hub keeps track of the sessions served by this process. Routing belongs to
// the broker; the hub only starts each session and lets shutdown wait for
// them to finish.
type Hub struct {
	sessions map[*Session]struct{}
	mutex    sync.Mutex
	wg       sync.WaitGroup
	closed   bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
	}
}

// Serve runs s on its own goroutine until it closes. After Shutdown has
// begun the session is refused and its connection closed.
func (h *Hub) Serve(s *Session) {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		s.close(merr.ErrBrokerClosed)
		return
	}
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.wg.Add(1)
	h.mutex.Unlock()

	log.Debug("session registered", log.FieldAddr(s.addr), zap.Int("sessions", count))

	go func() {
		defer h.wg.Done()
		s.Run()

		h.mutex.Lock()
		delete(h.sessions, s)
		count := len(h.sessions)
		h.mutex.Unlock()
		log.Debug("session unregistered", log.FieldAddr(s.addr), zap.Int("sessions", count))
	}()
}

// Len returns the number of sessions still running.
func (h *Hub) Len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting sessions, evicts the ones still running and waits
// for them to finish or the timeout to expire. The broker normally evicts
// every session first; this covers sessions it never registered.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mutex.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.Unlock()

	for _, s := range sessions {
		s.Evict(merr.ErrBrokerClosed)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("hub shutdown completed", zap.Int("sessions", len(sessions)))
		return nil
	case <-time.After(timeout):
		log.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
