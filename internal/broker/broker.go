// Package broker owns chat rooms and session membership. All state lives on
// a single goroutine (Run); callers interact with it only by submitting
// commands to its mailbox.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/pkg/conc"
	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/merr"
	"github.com/Tyrowin/roomchat/pkg/metrics"
)

// DefaultRoom is the room every session starts in.
const DefaultRoom = "main"

// Anonymous is the sender name used for sessions that never set one.
const Anonymous = "anonymous"

// SessionID identifies a connected session. IDs are never reused for the
// lifetime of a Broker.
type SessionID uint64

// Outbox is the broker's handle back to a live session. The broker uses it to
// deliver events and to request teardown; it never owns the session.
type Outbox interface {
	// Deliver queues ev for the session without blocking and reports
	// whether it was accepted.
	Deliver(ev Event) bool
	// Evict asks the session to close its transport.
	Evict(reason error)
}

// Recorder appends delivered chat messages to durable history.
type Recorder interface {
	RecordMessage(ctx context.Context, room, from, text string, at time.Time) error
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

// Config holds the broker tunables.
type Config struct {
	// HeartbeatTimeout is how long a session may stay silent before the
	// sweep evicts it.
	HeartbeatTimeout time.Duration
	// SweepInterval is the period of the liveness sweep.
	SweepInterval time.Duration
	// MailboxSize bounds the command queue.
	MailboxSize int
	// RecordWorkers bounds concurrent history writes.
	RecordWorkers int
	// RecordTimeout bounds a single history write.
	RecordTimeout time.Duration
}

// DefaultConfig returns the broker defaults: a 5s sweep with a 10s timeout.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 10 * time.Second,
		SweepInterval:    5 * time.Second,
		MailboxSize:      1024,
		RecordWorkers:    8,
		RecordTimeout:    5 * time.Second,
	}
}

func (cfg Config) sanitize() Config {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.RecordWorkers <= 0 {
		cfg.RecordWorkers = def.RecordWorkers
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = def.RecordTimeout
	}
	return cfg
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Broker) {
		b.clock = clock
	}
}

// WithRecorder sets the history recorder for broadcast messages.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		b.recorder = r
	}
}

type record struct {
	id            SessionID
	name          string
	room          string
	lastHeartbeat time.Time
	out           Outbox
}

func (r *record) displayName() string {
	if r.name == "" {
		return Anonymous
	}
	return r.name
}

// Broker routes chat traffic between sessions grouped in rooms.
type Broker struct {
	cfg      Config
	clock    clockwork.Clock
	recorder Recorder
	pool     *conc.Pool
	log      *zap.Logger

	mailbox chan command
	quit    chan struct{}
	done    chan struct{}

	runOnce  sync.Once
	stopOnce sync.Once

	// owned by the Run goroutine
	nextID   SessionID
	sessions map[SessionID]*record
	rooms    map[string]map[SessionID]struct{}
}

// New creates a Broker. Run must be started before any command is issued.
func New(cfg Config, opts ...Option) (*Broker, error) {
	cfg = cfg.sanitize()
	b := &Broker{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		log:      log.With(log.FieldComponent("broker")),
		mailbox:  make(chan command, cfg.MailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[SessionID]*record),
		rooms:    make(map[string]map[SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.recorder != nil {
		pool, err := conc.NewPool(cfg.RecordWorkers, conc.WithNonBlocking(true), conc.WithConcealPanic(true))
		if err != nil {
			return nil, err
		}
		b.pool = pool
	}
	return b, nil
}

// Run processes commands until Shutdown is called. Calling Run more than
// once is a no-op.
func (b *Broker) Run() {
	b.runOnce.Do(b.run)
}

func (b *Broker) run() {
	defer close(b.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.sweepLoop()
	}()
	defer wg.Wait()

	b.log.Info("broker started",
		zap.Duration("heartbeatTimeout", b.cfg.HeartbeatTimeout),
		zap.Duration("sweepInterval", b.cfg.SweepInterval))

	for {
		select {
		case cmd := <-b.mailbox:
			b.apply(cmd)
		case <-b.quit:
			b.drain()
			b.evictAll()
			return
		}
	}
}

func (b *Broker) sweepLoop() {
	ticker := b.clock.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.Chan():
			if err := b.submit(sweepCmd{}); err != nil {
				return
			}
		}
	}
}

func (b *Broker) apply(cmd command) {
	start := time.Now()
	cmd.apply(b)
	metrics.BrokerCommandLatency.WithLabelValues(cmd.name()).
		Observe(float64(time.Since(start).Microseconds()) / 1000)
	metrics.BrokerSessions.Set(float64(len(b.sessions)))
	metrics.BrokerRooms.Set(float64(len(b.rooms)))
}

// drain applies every command already queued when shutdown began.
func (b *Broker) drain() {
	for {
		select {
		case cmd := <-b.mailbox:
			b.apply(cmd)
		default:
			return
		}
	}
}

func (b *Broker) evictAll() {
	for id, rec := range b.sessions {
		b.removeSession(id)
		metrics.BrokerEvictions.WithLabelValues(metrics.ReasonShutdown).Inc()
		rec.out.Evict(merr.ErrBrokerClosed)
	}
	metrics.BrokerSessions.Set(0)
	metrics.BrokerRooms.Set(0)
}

// Shutdown stops accepting commands, applies the ones already queued, evicts
// every remaining session and waits for Run to return or ctx to expire.
// Pending history writes are flushed before it returns.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.log.Info("broker shutting down")
		close(b.quit)
	})

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.pool != nil {
		b.log.Info("flushing history writes",
			zap.Int("workers", b.pool.Cap()),
			zap.Int("running", b.pool.Running()),
			zap.Int64("submitted", b.pool.Submitted()),
			zap.Int64("rejected", b.pool.Rejected()))
		flushed := make(chan struct{})
		go func() {
			b.pool.Release()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.log.Info("broker stopped")
	return nil
}

// Done is closed once Run has returned.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

func (b *Broker) submit(cmd command) error {
	select {
	case <-b.quit:
		return merr.ErrBrokerClosed
	default:
	}

	select {
	case b.mailbox <- cmd:
		return nil
	case <-b.quit:
		return merr.ErrBrokerClosed
	}
}

// request submits a command carrying a reply channel and waits for the
// answer.
func request[T any](b *Broker, build func(reply chan<- T) command) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := b.submit(build(reply)); err != nil {
		return zero, err
	}

	select {
	case v := <-reply:
		return v, nil
	case <-b.done:
		// the command may have been applied while draining
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, merr.ErrBrokerClosed
		}
	}
}

// Connect registers a new session in DefaultRoom and returns its id. The
// only failure is ErrBrokerClosed after Shutdown.
func (b *Broker) Connect(out Outbox) (SessionID, error) {
	return request(b, func(reply chan<- SessionID) command {
		return connectCmd{out: out, reply: reply}
	})
}

// Disconnect removes a session. Unknown ids are ignored, so calling it twice
// is harmless.
func (b *Broker) Disconnect(id SessionID) error {
	return b.submit(disconnectCmd{id: id})
}

// Join moves a session into room, creating the room if needed.
func (b *Broker) Join(id SessionID, room string) error {
	return b.submit(joinCmd{id: id, room: room})
}

// Broadcast relays text to every other member of the sender's room.
func (b *Broker) Broadcast(id SessionID, text string) error {
	return b.submit(broadcastCmd{id: id, text: text})
}

// SetName changes the display name used for future messages.
func (b *Broker) SetName(id SessionID, name string) error {
	return b.submit(setNameCmd{id: id, nickname: name})
}

// Heartbeat marks a session as alive now.
func (b *Broker) Heartbeat(id SessionID) error {
	return b.submit(heartbeatCmd{id: id})
}

// ListRooms returns the names of all non-empty rooms in lexicographic order.
func (b *Broker) ListRooms() ([]string, error) {
	return request(b, func(reply chan<- []string) command {
		return listRoomsCmd{reply: reply}
	})
}

// Stats returns session and room counts.
func (b *Broker) Stats() (Stats, error) {
	return request(b, func(reply chan<- Stats) command {
		return statsCmd{reply: reply}
	})
}

// Members returns how many sessions are in room.
func (b *Broker) Members(room string) (int, error) {
	return request(b, func(reply chan<- int) command {
		return membersCmd{room: room, reply: reply}
	})
}

// Sweep runs the liveness check immediately and returns how many sessions
// were evicted.
func (b *Broker) Sweep() (int, error) {
	return request(b, func(reply chan<- int) command {
		return sweepCmd{reply: reply}
	})
}

func (b *Broker) enterRoom(id SessionID, room string) {
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[SessionID]struct{})
		b.rooms[room] = members
	}
	members[id] = struct{}{}
}

func (b *Broker) leaveRoom(id SessionID, room string) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

// removeSession deletes a session record and its room membership. It returns
// the removed record, or nil when id was unknown.
func (b *Broker) removeSession(id SessionID) *record {
	rec, ok := b.sessions[id]
	if !ok {
		return nil
	}
	b.leaveRoom(id, rec.room)
	delete(b.sessions, id)
	return rec
}

func (b *Broker) deliver(id SessionID, ev Event) bool {
	rec, ok := b.sessions[id]
	if !ok {
		return false
	}
	if !rec.out.Deliver(ev) {
		b.log.Debug("event dropped", log.FieldSession(uint64(id)), zap.Stringer("kind", ev.Kind()))
		return false
	}
	return true
}

func (b *Broker) record(room, from, text string, at time.Time) {
	if b.recorder == nil {
		return
	}

	recorder, timeout := b.recorder, b.cfg.RecordTimeout
	err := b.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := recorder.RecordMessage(ctx, room, from, text, at); err != nil {
			metrics.StoreWrites.WithLabelValues(metrics.FailLabel).Inc()
			b.log.Warn("failed to record message", log.FieldRoom(room), zap.Error(err))
			return
		}
		metrics.StoreWrites.WithLabelValues(metrics.SuccessLabel).Inc()
	})
	if err != nil {
		metrics.StoreWrites.WithLabelValues(metrics.FailLabel).Inc()
		b.log.Warn("message not recorded", log.FieldRoom(room), zap.Error(err))
	}
}
