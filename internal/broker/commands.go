package broker

import (
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/merr"
	"github.com/Tyrowin/roomchat/pkg/metrics"
)

// command is one unit of work for the broker loop. apply runs on the loop
// goroutine only and is the sole place broker state is touched.
type command interface {
	name() string
	apply(b *Broker)
}

type connectCmd struct {
	out   Outbox
	reply chan<- SessionID
}

func (connectCmd) name() string { return "connect" }

func (c connectCmd) apply(b *Broker) {
	b.nextID++
	id := b.nextID
	rec := &record{
		id:            id,
		room:          DefaultRoom,
		lastHeartbeat: b.clock.Now(),
		out:           c.out,
	}
	b.sessions[id] = rec
	b.enterRoom(id, DefaultRoom)

	b.log.Debug("session connected", log.FieldSession(uint64(id)), log.FieldRoom(DefaultRoom),
		zap.Int("sessions", len(b.sessions)))
	c.reply <- id
}

type disconnectCmd struct {
	id SessionID
}

func (disconnectCmd) name() string { return "disconnect" }

func (c disconnectCmd) apply(b *Broker) {
	if rec := b.removeSession(c.id); rec != nil {
		b.log.Debug("session disconnected", log.FieldSession(uint64(c.id)), log.FieldRoom(rec.room),
			zap.Int("sessions", len(b.sessions)))
	}
}

type joinCmd struct {
	id   SessionID
	room string
}

func (joinCmd) name() string { return "join" }

func (c joinCmd) apply(b *Broker) {
	rec, ok := b.sessions[c.id]
	if !ok {
		b.log.Debug("join from unknown session dropped", log.FieldSession(uint64(c.id)))
		return
	}

	if rec.room == c.room {
		rec.out.Deliver(Joined{Room: c.room, Name: rec.displayName(), Self: true})
		return
	}

	old := rec.room
	b.leaveRoom(c.id, old)
	b.enterRoom(c.id, c.room)
	rec.room = c.room

	notice := Joined{Room: c.room, Name: rec.displayName()}
	for member := range b.rooms[old] {
		b.deliver(member, notice)
	}
	rec.out.Deliver(Joined{Room: c.room, Name: rec.displayName(), Self: true})

	b.log.Debug("session changed room", log.FieldSession(uint64(c.id)),
		zap.String("from", old), zap.String("to", c.room))
}

type broadcastCmd struct {
	id   SessionID
	text string
}

func (broadcastCmd) name() string { return "broadcast" }

func (c broadcastCmd) apply(b *Broker) {
	rec, ok := b.sessions[c.id]
	if !ok {
		b.log.Debug("broadcast from unknown session dropped", log.FieldSession(uint64(c.id)))
		return
	}

	msg := Message{From: rec.displayName(), Text: c.text}
	delivered := 0
	for member := range b.rooms[rec.room] {
		if member == c.id {
			continue
		}
		if b.deliver(member, msg) {
			delivered++
		}
	}
	metrics.BrokerMessagesRouted.Add(float64(delivered))

	b.record(rec.room, msg.From, msg.Text, b.clock.Now())
}

type setNameCmd struct {
	id       SessionID
	nickname string
}

func (setNameCmd) name() string { return "set_name" }

func (c setNameCmd) apply(b *Broker) {
	rec, ok := b.sessions[c.id]
	if !ok {
		return
	}
	rec.name = c.nickname
}

type heartbeatCmd struct {
	id SessionID
}

func (heartbeatCmd) name() string { return "heartbeat" }

func (c heartbeatCmd) apply(b *Broker) {
	rec, ok := b.sessions[c.id]
	if !ok {
		return
	}
	if now := b.clock.Now(); now.After(rec.lastHeartbeat) {
		rec.lastHeartbeat = now
	}
}

type listRoomsCmd struct {
	reply chan<- []string
}

func (listRoomsCmd) name() string { return "list_rooms" }

func (c listRoomsCmd) apply(b *Broker) {
	rooms := lo.Keys(b.rooms)
	slices.Sort(rooms)
	c.reply <- rooms
}

type statsCmd struct {
	reply chan<- Stats
}

func (statsCmd) name() string { return "stats" }

func (c statsCmd) apply(b *Broker) {
	c.reply <- Stats{Sessions: len(b.sessions), Rooms: len(b.rooms)}
}

type membersCmd struct {
	room  string
	reply chan<- int
}

func (membersCmd) name() string { return "members" }

func (c membersCmd) apply(b *Broker) {
	c.reply <- len(b.rooms[c.room])
}

// sweepCmd evicts every session whose last heartbeat is older than the
// configured timeout. reply is nil when submitted by the ticker.
type sweepCmd struct {
	reply chan<- int
}

func (sweepCmd) name() string { return "sweep" }

func (c sweepCmd) apply(b *Broker) {
	now := b.clock.Now()
	stale := lo.Filter(lo.Values(b.sessions), func(rec *record, _ int) bool {
		return now.Sub(rec.lastHeartbeat) > b.cfg.HeartbeatTimeout
	})

	for _, rec := range stale {
		idle := now.Sub(rec.lastHeartbeat).Truncate(time.Millisecond)
		b.removeSession(rec.id)
		metrics.BrokerEvictions.WithLabelValues(metrics.ReasonHeartbeat).Inc()
		b.log.Info("evicting idle session", log.FieldSession(uint64(rec.id)),
			log.FieldRoom(rec.room), zap.Duration("idle", idle))
		rec.out.Evict(merr.WrapErrHeartbeatTimeout(uint64(rec.id), idle))
	}

	if c.reply != nil {
		c.reply <- len(stale)
	}
}
