package room

import (
	"context"
	"errors"
	"log/slog"

	"github.com/classmesh/classroom-platform/internal/signaling"
	"github.com/classmesh/classroom-platform/pkg/roomstore"
	"go.uber.org/fx"
)

const (
	closeReasonInstructorLeft = "instructor left"
	closeReasonExplicit       = "closed by instructor"
)

// RoomService owns room lifecycle and membership transitions. Every seat
// mutation goes through a single atomic store update, so two joins racing
// for the last free seat can never both win. Rooms follow the
// instructor-owns-lifecycle policy: an empty room stays alive until its
// instructor leaves, closes it, or the TTL reclaims it.
type RoomService struct {
	store       roomstore.Store
	registry    *Registry
	broadcaster *signaling.Broadcaster
	relay       *signaling.Relay
	logger      *slog.Logger
	config      *Config
}

type NewRoomServiceParams struct {
	fx.In

	Store       roomstore.Store
	Registry    *Registry
	Broadcaster *signaling.Broadcaster
	Relay       *signaling.Relay
	Logger      *slog.Logger
	Config      *Config
}

func NewRoomService(params NewRoomServiceParams) *RoomService {
	return &RoomService{
		store:       params.Store,
		registry:    params.Registry,
		broadcaster: params.Broadcaster,
		relay:       params.Relay,
		logger:      params.Logger,
		config:      params.Config,
	}
}

type CreateRoomOption struct {
	RoomID       string
	InstructorID string
	Passcode     *string
	IsProtected  bool
	Capacity     int
}

func (s *RoomService) CreateRoom(ctx context.Context, option *CreateRoomOption) error {
	if option.RoomID == "" || option.InstructorID == "" {
		return ErrInvalidRequest
	}
	if option.IsProtected && (option.Passcode == nil || *option.Passcode == "") {
		return ErrInvalidRequest
	}

	capacity := option.Capacity
	if capacity <= 0 {
		capacity = s.config.Capacity
	}
	if capacity > s.config.MaxCapacity {
		return ErrInvalidRequest
	}

	record := roomstore.NewRoom(option.InstructorID, option.Passcode, option.IsProtected, capacity)
	if err := s.store.Create(ctx, option.RoomID, record); err != nil {
		return err
	}

	s.logger.Info("room created",
		slog.String("roomId", option.RoomID),
		slog.String("instructorId", option.InstructorID),
		slog.Int("capacity", capacity),
		slog.Bool("protected", option.IsProtected))
	return nil
}

// Validate checks that the room exists and that the passcode matches when
// the room is protected. A missing passcode against a protected room is
// always a mismatch.
func (s *RoomService) Validate(ctx context.Context, roomID string, passcode *string) (string, error) {
	record, err := s.store.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	if record.IsProtected {
		if passcode == nil || record.Passcode == nil || *passcode != *record.Passcode {
			return "", ErrForbidden
		}
	}
	return record.InstructorID, nil
}

type JoinResult struct {
	Role      Role
	Seats     []*string
	SeatIndex int
	Rejoined  bool
}

// Join admits a connection into a room. The instructor never consumes a
// seat; a participant gets the first free seat, scanned left to right.
// Re-joining with a connection that already holds a seat is a no-op that
// returns the current snapshot, which keeps reconnect storms harmless.
func (s *RoomService) Join(ctx context.Context, connID, roomID string, passcode *string) (*JoinResult, error) {
	if _, err := s.Validate(ctx, roomID, passcode); err != nil {
		return nil, err
	}

	result := &JoinResult{SeatIndex: -1}
	record, err := s.store.Update(ctx, roomID, func(r *roomstore.Room) error {
		if connID == r.InstructorID {
			result.Role = RoleInstructor
			return nil
		}
		if index := r.SeatOf(connID); index >= 0 {
			result.Role = RoleStudent
			result.SeatIndex = index
			result.Rejoined = true
			return nil
		}
		index := r.FreeSeat()
		if index < 0 {
			return ErrNoSeatsAvailable
		}
		occupant := connID
		r.Seats[index] = &occupant
		result.Role = RoleStudent
		result.SeatIndex = index
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Seats = record.Seats

	// The disconnect handler wins every race with an in-flight join: it
	// unregisters the connection first, so a join that resolves afterwards
	// fails to attach here and gives the seat back.
	if !s.registry.Attach(connID, roomID, result.Role) {
		if result.Role == RoleStudent && !result.Rejoined {
			s.releaseSeat(ctx, roomID, connID)
		}
		return nil, ErrConnectionGone
	}
	if err := s.broadcaster.Subscribe(connID, roomID); err != nil {
		s.registry.Detach(connID)
		if result.Role == RoleStudent && !result.Rejoined {
			s.releaseSeat(ctx, roomID, connID)
		}
		return nil, ErrConnectionGone
	}

	if !result.Rejoined {
		s.broadcaster.Broadcast(roomID,
			signaling.NewMessage(signaling.EventUserConnected, &signaling.UserConnected{ConnectionID: connID}),
			connID)
		s.broadcaster.Broadcast(roomID,
			signaling.NewMessage(signaling.EventSeatUpdated, &signaling.SeatUpdate{Seats: record.Seats}),
			connID)
	}

	s.logger.Info("joined room",
		slog.String("roomId", roomID),
		slog.String("connectionId", connID),
		slog.String("role", string(result.Role)),
		slog.Int("seat", result.SeatIndex))
	return result, nil
}

// ClaimSeat assigns an explicit seat index. The not-already-seated and
// seat-free checks run inside the same atomic update as the assignment, so
// it cannot race a concurrent first-fit join for the same index.
func (s *RoomService) ClaimSeat(ctx context.Context, connID, roomID string, seatIndex int) ([]*string, error) {
	record, err := s.store.Update(ctx, roomID, func(r *roomstore.Room) error {
		if connID == r.InstructorID {
			return ErrForbidden
		}
		if seatIndex < 0 || seatIndex >= len(r.Seats) {
			return ErrInvalidRequest
		}
		if r.SeatOf(connID) >= 0 {
			return ErrAlreadyHasSeat
		}
		if r.Seats[seatIndex] != nil {
			return ErrSeatTaken
		}
		occupant := connID
		r.Seats[seatIndex] = &occupant
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !s.registry.Attach(connID, roomID, RoleStudent) {
		s.releaseSeat(ctx, roomID, connID)
		return nil, ErrConnectionGone
	}
	if err := s.broadcaster.Subscribe(connID, roomID); err != nil {
		s.registry.Detach(connID)
		s.releaseSeat(ctx, roomID, connID)
		return nil, ErrConnectionGone
	}

	s.broadcaster.Broadcast(roomID,
		signaling.NewMessage(signaling.EventSeatUpdated, &signaling.SeatUpdate{Seats: record.Seats}))
	return record.Seats, nil
}

// Leave takes a connection out of whatever room it is in. A connection with
// no room is a no-op, which makes the handler safe to call on every
// transport close. When the instructor leaves, the whole room goes away.
func (s *RoomService) Leave(ctx context.Context, connID string) error {
	roomID, role, ok := s.registry.Detach(connID)
	if !ok {
		return nil
	}
	s.broadcaster.Unsubscribe(connID)
	s.relay.DropConnection(connID)

	if role == RoleInstructor {
		return s.closeRoom(ctx, roomID, closeReasonInstructorLeft)
	}

	record, err := s.store.Update(ctx, roomID, func(r *roomstore.Room) error {
		if index := r.SeatOf(connID); index >= 0 {
			r.Seats[index] = nil
		}
		return nil
	})
	if errors.Is(err, roomstore.ErrRoomNotFound) {
		// Room already closed or expired; nothing left to clean.
		return nil
	}
	if err != nil {
		return err
	}

	s.broadcaster.Broadcast(roomID,
		signaling.NewMessage(signaling.EventSeatUpdated, &signaling.SeatUpdate{Seats: record.Seats}))
	s.broadcaster.Broadcast(roomID,
		signaling.NewMessage(signaling.EventUserDisconnected, &signaling.UserDisconnected{ConnectionID: connID}))

	s.logger.Info("left room",
		slog.String("roomId", roomID),
		slog.String("connectionId", connID))
	return nil
}

// Close is the explicit instructor action.
func (s *RoomService) Close(ctx context.Context, connID, roomID string) error {
	record, err := s.store.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if record.InstructorID != connID {
		return ErrForbidden
	}
	s.registry.Detach(connID)
	s.broadcaster.Unsubscribe(connID)
	return s.closeRoom(ctx, roomID, closeReasonExplicit)
}

func (s *RoomService) closeRoom(ctx context.Context, roomID, reason string) error {
	if err := s.store.Delete(ctx, roomID); err != nil {
		return err
	}

	s.broadcaster.Broadcast(roomID,
		signaling.NewMessage(signaling.EventRoomClosed, &signaling.RoomClosed{Reason: reason}))

	for _, memberID := range s.broadcaster.DropRoom(roomID) {
		s.registry.Detach(memberID)
	}
	s.relay.DropRoom(roomID)

	s.logger.Info("room closed",
		slog.String("roomId", roomID),
		slog.String("reason", reason))
	return nil
}

// Chat fans a text message out to the sender's room. The sender is skipped:
// clients render their own messages optimistically.
func (s *RoomService) Chat(connID, text string) error {
	roomID, _, ok := s.registry.Lookup(connID)
	if !ok || roomID == "" {
		return ErrNotInRoom
	}
	s.broadcaster.Broadcast(roomID,
		signaling.NewMessage(signaling.EventSignalMessage, &signaling.ChatMessage{Sender: connID, Text: text}),
		connID)
	return nil
}

type RoomInfo struct {
	RoomID      string `json:"roomId"`
	IsProtected bool   `json:"isProtected"`
	Occupied    int    `json:"occupied"`
	Capacity    int    `json:"capacity"`
}

func (s *RoomService) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]RoomInfo, 0, len(records))
	for roomID, record := range records {
		result = append(result, RoomInfo{
			RoomID:      roomID,
			IsProtected: record.IsProtected,
			Occupied:    record.Occupied(),
			Capacity:    len(record.Seats),
		})
	}
	return result, nil
}

// releaseSeat undoes a seat claim whose connection vanished before the join
// could finish.
func (s *RoomService) releaseSeat(ctx context.Context, roomID, connID string) {
	_, err := s.store.Update(ctx, roomID, func(r *roomstore.Room) error {
		if index := r.SeatOf(connID); index >= 0 {
			r.Seats[index] = nil
		}
		return nil
	})
	if err != nil && !errors.Is(err, roomstore.ErrRoomNotFound) {
		s.logger.Error("failed to release seat after disconnect",
			slog.String("roomId", roomID),
			slog.String("connectionId", connID),
			slog.String("err", err.Error()))
	}
}
