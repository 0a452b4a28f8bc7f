package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/kelseyhightower/envconfig"

	"github.com/classmesh/classroom-platform/pkg/roomstore"
	"go.uber.org/fx"
)

type StoreConfig struct {
	// Backend selects the room store implementation: "memory" for a
	// single process, "badger" for an on-disk store that survives restarts.
	Backend string `envconfig:"ROOM_STORE_BACKEND" default:"memory"`

	Dir string `envconfig:"ROOM_STORE_DIR" default:".data/rooms"`

	// TTL is the room idle lifetime, refreshed on every mutation.
	TTL time.Duration `envconfig:"ROOM_TTL" default:"30m"`
}

func NewStoreConfig() (*StoreConfig, error) {
	var config StoreConfig
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

type roomStore_Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *StoreConfig
	Logger    *slog.Logger
}

func newRoomStore(params roomStore_Params) (roomstore.Store, error) {
	var store roomstore.Store

	switch params.Config.Backend {
	case "memory":
		store = roomstore.NewMemoryStore(params.Config.TTL)

	case "badger":
		options := badger.DefaultOptions(params.Config.Dir).WithLogger(nil)
		db, err := badger.Open(options)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", roomstore.ErrUnavailable, err)
		}
		store = roomstore.NewBadgerStore(db, params.Config.TTL, params.Logger)

	default:
		return nil, fmt.Errorf("unknown room store backend %q", params.Config.Backend)
	}

	params.Logger.Info("room store ready",
		slog.String("backend", params.Config.Backend),
		slog.Duration("ttl", params.Config.TTL))

	params.Lifecycle.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

var StoreModule = fx.Module("roomstore", fx.Provide(
	NewStoreConfig,
	newRoomStore,
))
