package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classmesh/classroom-platform/internal/signaling"
	"github.com/classmesh/classroom-platform/pkg/roomstore"
)

type recorder struct {
	mu       sync.Mutex
	messages []*signaling.Message
}

func (r *recorder) WriteJSON(val interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, val.(*signaling.Message))
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, 0, len(r.messages))
	for _, msg := range r.messages {
		result = append(result, msg.Event)
	}
	return result
}

func (r *recorder) lastOf(event string) *signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Event == event {
			return r.messages[i]
		}
	}
	return nil
}

type fixture struct {
	service     *RoomService
	store       *roomstore.MemoryStore
	registry    *Registry
	broadcaster *signaling.Broadcaster
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	store := roomstore.NewMemoryStore(ttl)
	t.Cleanup(func() { store.Close() })

	logger := slog.Default()
	registry := NewRegistry()
	broadcaster := signaling.NewBroadcaster(signaling.NewBroadcasterParams{Logger: logger})
	relay := signaling.NewRelay(signaling.NewRelayParams{
		Store:       store,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	service := NewRoomService(NewRoomServiceParams{
		Store:       store,
		Registry:    registry,
		Broadcaster: broadcaster,
		Relay:       relay,
		Logger:      logger,
		Config:      &Config{Capacity: 8, MaxCapacity: 64},
	})
	return &fixture{service: service, store: store, registry: registry, broadcaster: broadcaster}
}

// connect simulates a transport-level websocket connect.
func (f *fixture) connect(connID string) *recorder {
	rec := &recorder{}
	f.registry.Connect(connID)
	f.broadcaster.Register(connID, rec)
	return rec
}

func (f *fixture) createRoom(t *testing.T, roomID, instructorID string, passcode *string, capacity int) {
	t.Helper()
	require.NoError(t, f.service.CreateRoom(context.Background(), &CreateRoomOption{
		RoomID:       roomID,
		InstructorID: instructorID,
		Passcode:     passcode,
		IsProtected:  passcode != nil,
		Capacity:     capacity,
	}))
}

func strPtr(s string) *string { return &s }

func Test_CreateRoom_Validations(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	req.ErrorIs(f.service.CreateRoom(ctx, &CreateRoomOption{InstructorID: "A"}), ErrInvalidRequest)
	req.ErrorIs(f.service.CreateRoom(ctx, &CreateRoomOption{RoomID: "x"}), ErrInvalidRequest)
	req.ErrorIs(f.service.CreateRoom(ctx, &CreateRoomOption{
		RoomID: "x", InstructorID: "A", IsProtected: true,
	}), ErrInvalidRequest)
	req.ErrorIs(f.service.CreateRoom(ctx, &CreateRoomOption{
		RoomID: "x", InstructorID: "A", Capacity: 1000,
	}), ErrInvalidRequest)

	req.NoError(f.service.CreateRoom(ctx, &CreateRoomOption{RoomID: "math101", InstructorID: "A"}))
	req.ErrorIs(f.service.CreateRoom(ctx, &CreateRoomOption{RoomID: "math101", InstructorID: "B"}),
		roomstore.ErrRoomExists)

	// Default capacity applies when the request names none.
	room, err := f.store.Get(ctx, "math101")
	req.NoError(err)
	req.Len(room.Seats, 8)
}

func Test_Join_Assigns_First_Free_Seat(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.connect("B")
	f.createRoom(t, "math101", "A", nil, 8)

	result, err := f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)
	req.Equal(RoleStudent, result.Role)
	req.Equal(0, result.SeatIndex)
	req.False(result.Rejoined)
	req.Equal("B", *result.Seats[0])
}

func Test_Rejoin_Is_Noop_On_Seats(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.connect("B")
	f.createRoom(t, "math101", "A", nil, 8)

	first, err := f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)

	second, err := f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)
	req.True(second.Rejoined)
	req.Equal(first.SeatIndex, second.SeatIndex)
	req.Equal(first.Seats, second.Seats)

	room, err := f.store.Get(ctx, "math101")
	req.NoError(err)
	req.Equal(1, room.Occupied())
}

func Test_Instructor_Join_Consumes_No_Seat(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.createRoom(t, "math101", "A", nil, 8)

	result, err := f.service.Join(ctx, "A", "math101", nil)
	req.NoError(err)
	req.Equal(RoleInstructor, result.Role)
	req.Equal(-1, result.SeatIndex)

	room, err := f.store.Get(ctx, "math101")
	req.NoError(err)
	req.Equal(0, room.Occupied())
}

func Test_Join_Protected_Room_Passcodes(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.connect("C")
	f.createRoom(t, "sec1", "A", strPtr("xyz"), 8)

	_, err := f.service.Join(ctx, "C", "sec1", strPtr("wrong"))
	req.ErrorIs(err, ErrForbidden)

	_, err = f.service.Join(ctx, "C", "sec1", nil)
	req.ErrorIs(err, ErrForbidden)

	// Failed attempts never touch the seat table.
	room, err := f.store.Get(ctx, "sec1")
	req.NoError(err)
	req.Equal(0, room.Occupied())

	result, err := f.service.Join(ctx, "C", "sec1", strPtr("xyz"))
	req.NoError(err)
	req.Equal(0, result.SeatIndex)
}

func Test_Validate_Returns_Instructor(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.createRoom(t, "sec1", "A", strPtr("xyz"), 8)

	_, err := f.service.Validate(ctx, "ghost", nil)
	req.ErrorIs(err, roomstore.ErrRoomNotFound)

	_, err = f.service.Validate(ctx, "sec1", strPtr("nope"))
	req.ErrorIs(err, ErrForbidden)

	instructorID, err := f.service.Validate(ctx, "sec1", strPtr("xyz"))
	req.NoError(err)
	req.Equal("A", instructorID)
}

func Test_Join_Full_Room(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.createRoom(t, "math101", "A", nil, 2)

	for _, connID := range []string{"B", "C"} {
		f.connect(connID)
		_, err := f.service.Join(ctx, connID, "math101", nil)
		req.NoError(err)
	}

	f.connect("D")
	_, err := f.service.Join(ctx, "D", "math101", nil)
	req.ErrorIs(err, ErrNoSeatsAvailable)
}

func Test_Concurrent_Joins_Fill_Distinct_Seats(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	const capacity = 4
	const joiners = 16

	f.connect("A")
	f.createRoom(t, "math101", "A", nil, capacity)

	connIDs := make([]string, joiners)
	for i := range connIDs {
		connIDs[i] = fmt.Sprintf("conn-%02d", i)
		f.connect(connIDs[i])
	}

	var wg sync.WaitGroup
	results := make([]*JoinResult, joiners)
	errs := make([]error, joiners)
	for i, connID := range connIDs {
		wg.Add(1)
		go func(n int, id string) {
			defer wg.Done()
			results[n], errs[n] = f.service.Join(ctx, id, "math101", nil)
		}(i, connID)
	}
	wg.Wait()

	seats := make(map[int]string)
	succeeded := 0
	for i := range connIDs {
		if errs[i] == nil {
			succeeded++
			req.NotContains(seats, results[i].SeatIndex, "seat assigned twice")
			seats[results[i].SeatIndex] = connIDs[i]
		} else {
			req.ErrorIs(errs[i], ErrNoSeatsAvailable)
		}
	}
	req.Equal(capacity, succeeded)

	room, err := f.store.Get(ctx, "math101")
	req.NoError(err)
	req.Equal(capacity, room.Occupied())
}

func Test_Join_Broadcasts_To_Existing_Members(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	instructor := f.connect("A")
	f.createRoom(t, "math101", "A", nil, 8)
	_, err := f.service.Join(ctx, "A", "math101", nil)
	req.NoError(err)

	f.connect("B")
	_, err = f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)

	req.Contains(instructor.events(), signaling.EventUserConnected)
	req.Contains(instructor.events(), signaling.EventSeatUpdated)

	var snapshot signaling.SeatUpdate
	req.NoError(json.Unmarshal(instructor.lastOf(signaling.EventSeatUpdated).Data, &snapshot))
	req.Len(snapshot.Seats, 8)
	req.Equal("B", *snapshot.Seats[0])
}

func Test_Leave_Participant_Clears_Only_Their_Seat(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.createRoom(t, "math101", "A", nil, 8)

	other := f.connect("B")
	f.connect("C")
	_, err := f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)
	_, err = f.service.Join(ctx, "C", "math101", nil)
	req.NoError(err)

	req.NoError(f.service.Leave(ctx, "C"))

	room, err := f.store.Get(ctx, "math101")
	req.NoError(err)
	req.Equal("B", *room.Seats[0])
	req.Nil(room.Seats[1])

	req.Contains(other.events(), signaling.EventUserDisconnected)

	// The freed seat is joinable again.
	f.connect("D")
	result, err := f.service.Join(ctx, "D", "math101", nil)
	req.NoError(err)
	req.Equal(1, result.SeatIndex)
}

func Test_Leave_Instructor_Closes_Room(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.createRoom(t, "math101", "A", nil, 8)
	_, err := f.service.Join(ctx, "A", "math101", nil)
	req.NoError(err)

	student := f.connect("B")
	_, err = f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)

	req.NoError(f.service.Leave(ctx, "A"))

	req.Contains(student.events(), signaling.EventRoomClosed)
	_, err = f.service.Validate(ctx, "math101", nil)
	req.ErrorIs(err, roomstore.ErrRoomNotFound)
	_, err = f.service.Join(ctx, "B", "math101", nil)
	req.ErrorIs(err, roomstore.ErrRoomNotFound)
}

func Test_Leave_Unknown_Connection_Is_Noop(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)

	req.NoError(f.service.Leave(context.Background(), "ghost"))
}

func Test_Close_Requires_Instructor(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.connect("B")
	f.createRoom(t, "math101", "A", nil, 8)
	_, err := f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)

	req.ErrorIs(f.service.Close(ctx, "B", "math101"), ErrForbidden)

	req.NoError(f.service.Close(ctx, "A", "math101"))
	_, err = f.service.Validate(ctx, "math101", nil)
	req.ErrorIs(err, roomstore.ErrRoomNotFound)
}

func Test_ClaimSeat_Conflicts(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.connect("B")
	f.connect("C")
	f.createRoom(t, "math101", "A", nil, 4)

	_, err := f.service.ClaimSeat(ctx, "B", "math101", 2)
	req.NoError(err)

	_, err = f.service.ClaimSeat(ctx, "C", "math101", 2)
	req.ErrorIs(err, ErrSeatTaken)

	_, err = f.service.ClaimSeat(ctx, "B", "math101", 3)
	req.ErrorIs(err, ErrAlreadyHasSeat)

	_, err = f.service.ClaimSeat(ctx, "A", "math101", 0)
	req.ErrorIs(err, ErrForbidden)

	_, err = f.service.ClaimSeat(ctx, "C", "math101", 99)
	req.ErrorIs(err, ErrInvalidRequest)
}

func Test_Disconnect_Wins_Over_Join(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.createRoom(t, "math101", "A", nil, 8)

	// The transport already tore this connection down; its join resolves
	// afterwards and must leave no trace in the room.
	f.connect("B")
	f.registry.Disconnect("B")
	f.broadcaster.Unregister("B")

	_, err := f.service.Join(ctx, "B", "math101", nil)
	req.ErrorIs(err, ErrConnectionGone)

	room, err := f.store.Get(ctx, "math101")
	req.NoError(err)
	req.Equal(0, room.Occupied())
}

func Test_Chat_Skips_Sender(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	instructor := f.connect("A")
	f.createRoom(t, "math101", "A", nil, 8)
	_, err := f.service.Join(ctx, "A", "math101", nil)
	req.NoError(err)

	sender := f.connect("B")
	_, err = f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)

	req.NoError(f.service.Chat("B", "hello"))
	req.NotContains(sender.events(), signaling.EventSignalMessage)

	msg := instructor.lastOf(signaling.EventSignalMessage)
	req.NotNil(msg)
	var chat signaling.ChatMessage
	req.NoError(json.Unmarshal(msg.Data, &chat))
	req.Equal("B", chat.Sender)
	req.Equal("hello", chat.Text)

	req.ErrorIs(f.service.Chat("ghost", "hello"), ErrNotInRoom)
}

func Test_Room_Expires_Then_Validate_NotFound(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	f.createRoom(t, "math101", "A", nil, 8)
	time.Sleep(150 * time.Millisecond)

	_, err := f.service.Validate(ctx, "math101", nil)
	req.ErrorIs(err, roomstore.ErrRoomNotFound)
}

func Test_ListRooms_Reports_Occupancy(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.connect("A")
	f.connect("B")
	f.createRoom(t, "math101", "A", nil, 8)
	f.createRoom(t, "sec1", "Z", strPtr("xyz"), 4)
	_, err := f.service.Join(ctx, "B", "math101", nil)
	req.NoError(err)

	rooms, err := f.service.ListRooms(ctx)
	req.NoError(err)
	req.Len(rooms, 2)

	byID := make(map[string]RoomInfo)
	for _, info := range rooms {
		byID[info.RoomID] = info
	}
	req.Equal(1, byID["math101"].Occupied)
	req.Equal(8, byID["math101"].Capacity)
	req.False(byID["math101"].IsProtected)
	req.True(byID["sec1"].IsProtected)
	req.Equal(0, byID["sec1"].Occupied)
}
