package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"

	"github.com/classmesh/classroom-platform/internal/signaling"
	"github.com/classmesh/classroom-platform/pkg/protocol"
	"github.com/classmesh/classroom-platform/pkg/roomstore"
	"github.com/classmesh/classroom-platform/pkg/wsutils"
	"go.uber.org/fx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// 64 KB is comfortably above any SDP a browser produces.
	maxMessageSize = 64 * 1024
)

type roomController struct {
	roomService *RoomService
	relay       *signaling.Relay
	broadcaster *signaling.Broadcaster
	registry    *Registry
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	logger      *slog.Logger
}

type createRoomRequest struct {
	RoomID       string  `json:"roomId" validate:"required,max=64"`
	InstructorID string  `json:"instructorId" validate:"required"`
	Passcode     *string `json:"passcode"`
	IsProtected  bool    `json:"isProtected"`
	Capacity     int     `json:"capacity" validate:"gte=0"`
}

type validateRoomRequest struct {
	Passcode *string `json:"passcode"`
}

func (ctrl *roomController) RoomCreate(ctx echo.Context) error {
	var request createRoomRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := ctrl.validate.Struct(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err := ctrl.roomService.CreateRoom(ctx.Request().Context(), &CreateRoomOption{
		RoomID:       request.RoomID,
		InstructorID: request.InstructorID,
		Passcode:     request.Passcode,
		IsProtected:  request.IsProtected,
		Capacity:     request.Capacity,
	})
	if err != nil {
		return httpError(err)
	}

	return ctx.JSON(http.StatusCreated, map[string]string{"roomId": request.RoomID})
}

func (ctrl *roomController) RoomValidate(ctx echo.Context) error {
	var request validateRoomRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	instructorID, err := ctrl.roomService.Validate(ctx.Request().Context(), ctx.Param("roomId"), request.Passcode)
	if err != nil {
		return httpError(err)
	}

	return ctx.JSON(http.StatusOK, map[string]string{"instructorId": instructorID})
}

func (ctrl *roomController) RoomList(ctx echo.Context) error {
	rooms, err := ctrl.roomService.ListRooms(ctx.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"rooms": rooms})
}

// Session is the per-connection websocket loop: one reader goroutine, all
// writes through the thread-safe writer, keepalive pings on a ticker.
func (ctrl *roomController) Session(ctx echo.Context) error {
	conn, err := ctrl.upgrader.Upgrade(ctx.Response().Writer, ctx.Request(), nil)
	if err != nil {
		ctrl.logger.Error(fmt.Sprintf("Unable upgrade request %+v", ctx.Request()))
		return err
	}

	w := wsutils.NewThreadSafeWriter(conn)
	defer w.Close()

	connID := uuid.NewString()
	ctrl.registry.Connect(connID)
	ctrl.broadcaster.Register(connID, w)
	defer func() {
		// Detach from the room before dropping the transport registration,
		// so seat cleanup broadcasts still reach the rest of the room.
		if err := ctrl.roomService.Leave(context.Background(), connID); err != nil {
			ctrl.logger.Error("disconnect cleanup failed",
				slog.String("connectionId", connID),
				slog.String("err", err.Error()))
		}
		ctrl.registry.Disconnect(connID)
		ctrl.broadcaster.Unregister(connID)
		ctrl.relay.DropConnection(connID)
	}()

	if err := w.WriteJSON(signaling.NewMessage(signaling.EventConnectionReady,
		&signaling.ConnectionReady{ConnectionID: connID})); err != nil {
		return err
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.Ping(time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg signaling.Message
		if err := w.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ctrl.logger.Warn("websocket read failed",
					slog.String("connectionId", connID),
					slog.String("err", err.Error()))
			}
			return nil
		}

		if err := ctrl.dispatch(ctx.Request().Context(), connID, &msg); err != nil {
			ctrl.wsError(w, connID, err)
		}
	}
}

func (ctrl *roomController) dispatch(ctx context.Context, connID string, msg *signaling.Message) error {
	switch msg.Event {
	case signaling.EventJoinRoom:
		var request struct {
			RoomID   string  `json:"roomId"`
			Passcode *string `json:"passcode"`
		}
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return ErrInvalidRequest
		}
		result, err := ctrl.roomService.Join(ctx, connID, request.RoomID, request.Passcode)
		if err != nil {
			return err
		}
		if err := ctrl.broadcaster.Send(connID, signaling.NewMessage(signaling.EventRoleAssigned,
			&signaling.RoleAssigned{Role: string(result.Role)})); err != nil {
			return err
		}
		return ctrl.broadcaster.Send(connID, signaling.NewMessage(signaling.EventSeatUpdated,
			&signaling.SeatUpdate{Seats: result.Seats}))

	case signaling.EventClaimSeat:
		var request struct {
			RoomID    string `json:"roomId"`
			SeatIndex int    `json:"seatIndex"`
		}
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return ErrInvalidRequest
		}
		seats, err := ctrl.roomService.ClaimSeat(ctx, connID, request.RoomID, request.SeatIndex)
		if err != nil {
			return err
		}
		return ctrl.broadcaster.Send(connID, signaling.NewMessage(signaling.EventSeatClaimed,
			&signaling.SeatUpdate{Seats: seats}))

	case signaling.EventSignal:
		var request signaling.SignalRequest
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return ErrInvalidRequest
		}
		return ctrl.relay.Forward(ctx, connID, &request)

	case signaling.EventChat:
		var request struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return ErrInvalidRequest
		}
		return ctrl.roomService.Chat(connID, request.Text)

	case signaling.EventLeaveRoom:
		return ctrl.roomService.Leave(ctx, connID)

	case signaling.EventCloseRoom:
		var request struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return ErrInvalidRequest
		}
		return ctrl.roomService.Close(ctx, connID, request.RoomID)

	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidRequest, msg.Event)
	}
}

func (ctrl *roomController) wsError(w *wsutils.ThreadSafeWriter, connID string, err error) {
	ctrl.logger.Warn("session error",
		slog.String("connectionId", connID),
		slog.String("err", err.Error()))
	w.WriteJSON(signaling.NewMessage(signaling.EventError, map[string]string{"error": err.Error()}))
}

// httpError maps domain errors onto HTTP status codes for the REST surface.
func httpError(err error) error {
	switch {
	case errors.Is(err, roomstore.ErrRoomExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, roomstore.ErrRoomNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, roomstore.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func (ctrl *roomController) Resolve(c *echo.Echo) error {
	c.POST("/api/rooms", ctrl.RoomCreate)
	c.GET("/api/rooms", ctrl.RoomList)
	c.POST("/api/rooms/:roomId/validate", ctrl.RoomValidate)
	c.GET("/api/rooms/ws", ctrl.Session)
	return nil
}

var _ protocol.HttpResolvable = (*roomController)(nil)

type newRoomController_Params struct {
	fx.In

	RoomService *RoomService
	Relay       *signaling.Relay
	Broadcaster *signaling.Broadcaster
	Registry    *Registry
	Logger      *slog.Logger
}

func NewRoomController(params newRoomController_Params) *roomController {
	return &roomController{
		roomService: params.RoomService,
		relay:       params.Relay,
		broadcaster: params.Broadcaster,
		registry:    params.Registry,
		logger:      params.Logger,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}
