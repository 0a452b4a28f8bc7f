package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/fx"
)

var ErrUnknownConnection = errors.New("connection not registered")

// EventWriter is the outbound half of a connection. Writes must be safe to
// call from any goroutine; wsutils.ThreadSafeWriter satisfies that.
type EventWriter interface {
	WriteJSON(val interface{}) error
}

type member struct {
	writer EventWriter
	roomID string
}

// Broadcaster owns the live connection table and the room fan-out sets.
// It is the single place that maps a connection id to a writer, which both
// the room coordinator and the relay address their events through.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[string]*member
	rooms map[string]map[string]*member

	logger *slog.Logger
}

type NewBroadcasterParams struct {
	fx.In

	Logger *slog.Logger
}

func NewBroadcaster(params NewBroadcasterParams) *Broadcaster {
	return &Broadcaster{
		conns:  make(map[string]*member),
		rooms:  make(map[string]map[string]*member),
		logger: params.Logger,
	}
}

func (b *Broadcaster) Register(connID string, w EventWriter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[connID] = &member{writer: w}
}

func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detach(connID)
	delete(b.conns, connID)
}

// Subscribe adds the connection to a room's fan-out set, replacing any
// prior membership.
func (b *Broadcaster) Subscribe(connID, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	b.detach(connID)

	m.roomID = roomID
	room, ok := b.rooms[roomID]
	if !ok {
		room = make(map[string]*member)
		b.rooms[roomID] = room
	}
	room[connID] = m
	return nil
}

func (b *Broadcaster) Unsubscribe(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detach(connID)
}

// detach removes connID from its room set. Callers must hold b.mu.
func (b *Broadcaster) detach(connID string) {
	m, ok := b.conns[connID]
	if !ok || m.roomID == "" {
		return
	}
	if room, ok := b.rooms[m.roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(b.rooms, m.roomID)
		}
	}
	m.roomID = ""
}

// DropRoom empties a room's fan-out set and returns the connection ids that
// were subscribed to it.
func (b *Broadcaster) DropRoom(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.rooms[roomID]
	members := make([]string, 0, len(room))
	for connID, m := range room {
		m.roomID = ""
		members = append(members, connID)
	}
	delete(b.rooms, roomID)
	return members
}

// Send delivers a message to a single connection.
func (b *Broadcaster) Send(connID string, msg *Message) error {
	b.mu.Lock()
	m, ok := b.conns[connID]
	b.mu.Unlock()

	if !ok {
		return ErrUnknownConnection
	}
	return m.writer.WriteJSON(msg)
}

// Broadcast fans a message out to every member of a room, skipping the
// connections listed in except. A failed write is logged and skipped; the
// reader side of that connection tears the membership down.
func (b *Broadcaster) Broadcast(roomID string, msg *Message, except ...string) {
	b.mu.Lock()
	targets := make(map[string]EventWriter, len(b.rooms[roomID]))
	for connID, m := range b.rooms[roomID] {
		targets[connID] = m.writer
	}
	b.mu.Unlock()

	skip := make(map[string]struct{}, len(except))
	for _, connID := range except {
		skip[connID] = struct{}{}
	}

	for connID, w := range targets {
		if _, ok := skip[connID]; ok {
			continue
		}
		if err := w.WriteJSON(msg); err != nil {
			b.logger.Warn("broadcast write failed",
				slog.String("roomId", roomID),
				slog.String("connectionId", connID),
				slog.String("event", msg.Event),
				slog.String("err", err.Error()))
		}
	}
}
