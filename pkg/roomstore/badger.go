package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists room records as JSON values under "room:<roomId>"
// with a badger-native TTL. Badger transactions are optimistic: an Update
// that raced another writer on the same key fails with ErrConflict and is
// retried, which gives each mutator a serialized read-modify-write.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
	log *slog.Logger
}

func NewBadgerStore(db *badger.DB, ttl time.Duration, log *slog.Logger) *BadgerStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl, log: log}
}

func roomKey(roomID string) []byte {
	return []byte(KeyPrefix + roomID)
}

func (s *BadgerStore) encode(txn *badger.Txn, roomID string, room *Room) error {
	room.ExpiresAt = time.Now().Add(s.ttl)
	value, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry(roomKey(roomID), value).WithTTL(s.ttl))
}

func decodeRoom(item *badger.Item) (*Room, error) {
	var room Room
	err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &room)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *BadgerStore) Create(_ context.Context, roomID string, room *Room) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(roomKey(roomID))
		if err == nil {
			return ErrRoomExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.encode(txn, roomID, room.Clone())
	})
	return s.backendErr(err)
}

func (s *BadgerStore) Get(_ context.Context, roomID string) (*Room, error) {
	var room *Room
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		room, err = decodeRoom(item)
		return err
	})
	if err != nil {
		return nil, s.backendErr(err)
	}
	return room, nil
}

func (s *BadgerStore) Update(_ context.Context, roomID string, mutate func(*Room) error) (*Room, error) {
	for {
		var room *Room
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(roomKey(roomID))
			if err != nil {
				return err
			}
			if room, err = decodeRoom(item); err != nil {
				return err
			}
			if err = mutate(room); err != nil {
				return &mutatorError{err}
			}
			return s.encode(txn, roomID, room)
		})
		if errors.Is(err, badger.ErrConflict) {
			s.log.Debug("retrying conflicting room update", slog.String("roomId", roomID))
			continue
		}
		if err != nil {
			return nil, s.backendErr(err)
		}
		return room, nil
	}
}

func (s *BadgerStore) Delete(_ context.Context, roomID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(roomKey(roomID))
	})
	return s.backendErr(err)
}

func (s *BadgerStore) List(_ context.Context) (map[string]*Room, error) {
	result := make(map[string]*Room)
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(KeyPrefix)
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			room, err := decodeRoom(item)
			if err != nil {
				return err
			}
			roomID := strings.TrimPrefix(string(item.Key()), KeyPrefix)
			result[roomID] = room
		}
		return nil
	})
	if err != nil {
		return nil, s.backendErr(err)
	}
	return result, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// mutatorError marks an error raised by a caller-supplied mutator so it can
// cross the transaction boundary without being mistaken for a backend fault.
type mutatorError struct{ err error }

func (e *mutatorError) Error() string { return e.err.Error() }
func (e *mutatorError) Unwrap() error { return e.err }

// backendErr keeps domain errors intact and reports anything else from the
// backend as ErrUnavailable, so callers never mistake a storage outage for
// a missing room.
func (s *BadgerStore) backendErr(err error) error {
	var domain *mutatorError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &domain):
		return domain.err
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrRoomNotFound
	case errors.Is(err, ErrRoomExists):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

var _ Store = (*BadgerStore)(nil)
