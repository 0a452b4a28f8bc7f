package main

import (
	"github.com/joho/godotenv"

	"github.com/classmesh/classroom-platform/internal/room"
	"github.com/classmesh/classroom-platform/internal/signaling"
	"github.com/classmesh/classroom-platform/pkg/protocol"
	"github.com/classmesh/classroom-platform/pkg/service"
	"go.uber.org/fx"
)

func main() {
	_ = godotenv.Load()

	fx.New(
		fx.Provide(
			room.NewConfig,
			room.NewRegistry,
			signaling.NewBroadcaster,
			signaling.NewRelay,
			room.NewRoomService,

			protocol.AsHttpController(room.NewRoomController),
		),

		service.LoggerModule,
		service.StoreModule,
		service.HttpModule,
	).Run()
}
