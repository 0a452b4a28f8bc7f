package roomstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRoom(capacity int) *Room {
	return NewRoom("instructor-1", nil, false, capacity)
}

func Test_Create_Conflicts_On_Existing_Room(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	req.NoError(store.Create(ctx, "math101", newTestRoom(8)))
	req.ErrorIs(store.Create(ctx, "math101", newTestRoom(8)), ErrRoomExists)
}

func Test_Get_Missing_Room(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	_, err := store.Get(context.Background(), "nope")
	req.ErrorIs(err, ErrRoomNotFound)
}

func Test_Room_Expires_Without_Mutation(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore(50 * time.Millisecond)
	defer store.Close()
	ctx := context.Background()

	req.NoError(store.Create(ctx, "math101", newTestRoom(8)))

	_, err := store.Get(ctx, "math101")
	req.NoError(err)

	time.Sleep(150 * time.Millisecond)

	_, err = store.Get(ctx, "math101")
	req.ErrorIs(err, ErrRoomNotFound)

	_, err = store.Update(ctx, "math101", func(*Room) error { return nil })
	req.ErrorIs(err, ErrRoomNotFound)
}

func Test_Update_Refreshes_TTL(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore(200 * time.Millisecond)
	defer store.Close()
	ctx := context.Background()

	req.NoError(store.Create(ctx, "math101", newTestRoom(8)))

	// Keep mutating past the original deadline; the room must survive.
	for i := 0; i < 3; i++ {
		time.Sleep(120 * time.Millisecond)
		_, err := store.Update(ctx, "math101", func(*Room) error { return nil })
		req.NoError(err)
	}

	_, err := store.Get(ctx, "math101")
	req.NoError(err)
}

func Test_Mutator_Error_Aborts_Update(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	req.NoError(store.Create(ctx, "math101", newTestRoom(2)))

	_, err := store.Update(ctx, "math101", func(r *Room) error {
		occupant := "ghost"
		r.Seats[0] = &occupant
		return ErrRoomExists // any error will do
	})
	req.Error(err)

	room, err := store.Get(ctx, "math101")
	req.NoError(err)
	req.Nil(room.Seats[0])
}

func Test_Concurrent_Updates_Never_Lose_Seats(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	const capacity = 8
	const joiners = 32
	req.NoError(store.Create(ctx, "math101", newTestRoom(capacity)))

	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := "conn-" + string(rune('a'+n%26)) + string(rune('a'+n/26))
			_, errs[n] = store.Update(ctx, "math101", func(r *Room) error {
				index := r.FreeSeat()
				if index < 0 {
					return ErrRoomNotFound // stand-in for a full room
				}
				r.Seats[index] = &connID
				return nil
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	req.Equal(capacity, succeeded)

	room, err := store.Get(ctx, "math101")
	req.NoError(err)

	seen := make(map[string]bool)
	for _, seat := range room.Seats {
		req.NotNil(seat)
		req.False(seen[*seat], "occupant %s holds two seats", *seat)
		seen[*seat] = true
	}
}

func Test_Clone_Isolates_Seat_Writes(t *testing.T) {
	req := require.New(t)

	original := newTestRoom(2)
	occupant := "conn-a"
	original.Seats[0] = &occupant

	clone := original.Clone()
	*clone.Seats[0] = "conn-b"
	clone.Seats[1] = &occupant

	req.Equal("conn-a", *original.Seats[0])
	req.Nil(original.Seats[1])
}

func Test_Seat_Helpers(t *testing.T) {
	req := require.New(t)

	room := newTestRoom(3)
	occupant := "conn-a"
	room.Seats[1] = &occupant

	req.Equal(1, room.SeatOf("conn-a"))
	req.Equal(-1, room.SeatOf("conn-b"))
	req.Equal(0, room.FreeSeat())
	req.Equal(1, room.Occupied())
}
