package roomstore

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
)

var (
	ErrRoomExists   = errors.New("room id already exists")
	ErrRoomNotFound = errors.New("room not exist")
	ErrUnavailable  = errors.New("room store unavailable")
)

const (
	// KeyPrefix namespaces room records in a shared keyspace.
	KeyPrefix = "room:"

	// DefaultTTL is how long a room survives without any mutation.
	DefaultTTL = 30 * time.Minute
)

// Room is the persisted room record. Seats is a fixed-length slot table:
// a nil entry is a free seat, otherwise it holds the occupant connection id.
// The instructor never occupies a seat.
type Room struct {
	Passcode     *string   `json:"passcode"`
	IsProtected  bool      `json:"isProtected"`
	InstructorID string    `json:"instructorId"`
	Seats        []*string `json:"seats"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func NewRoom(instructorID string, passcode *string, isProtected bool, capacity int) *Room {
	if !isProtected {
		passcode = nil
	}
	return &Room{
		Passcode:     passcode,
		IsProtected:  isProtected,
		InstructorID: instructorID,
		Seats:        make([]*string, capacity),
	}
}

func (r *Room) Clone() *Room {
	clone := *r
	clone.Seats = make([]*string, len(r.Seats))
	for i, seat := range r.Seats {
		if seat != nil {
			occupant := *seat
			clone.Seats[i] = &occupant
		}
	}
	if r.Passcode != nil {
		passcode := *r.Passcode
		clone.Passcode = &passcode
	}
	return &clone
}

// SeatOf returns the seat index held by connID, or -1.
func (r *Room) SeatOf(connID string) int {
	_, index, found := lo.FindIndexOf(r.Seats, func(seat *string) bool {
		return seat != nil && *seat == connID
	})
	if !found {
		return -1
	}
	return index
}

// FreeSeat returns the lowest free seat index, or -1 when the room is full.
func (r *Room) FreeSeat() int {
	_, index, found := lo.FindIndexOf(r.Seats, func(seat *string) bool {
		return seat == nil
	})
	if !found {
		return -1
	}
	return index
}

func (r *Room) Occupied() int {
	return lo.CountBy(r.Seats, func(seat *string) bool { return seat != nil })
}

// Store is keyed room storage with per-record TTL. Update runs the mutator
// inside an atomic read-modify-write: two concurrent mutations of the same
// room never overwrite each other's effect. Create and every successful
// Update refresh the record TTL. An expired record behaves as absent.
type Store interface {
	Create(ctx context.Context, roomID string, room *Room) error
	Get(ctx context.Context, roomID string) (*Room, error)
	Update(ctx context.Context, roomID string, mutate func(*Room) error) (*Room, error)
	Delete(ctx context.Context, roomID string) error
	List(ctx context.Context) (map[string]*Room, error)
	Close() error
}
