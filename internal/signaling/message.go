package signaling

import "encoding/json"

// Server to client events.
const (
	EventConnectionReady  = "connection-ready"
	EventRoleAssigned     = "role-assigned"
	EventSeatUpdated      = "seat-updated"
	EventSeatClaimed      = "seat-claimed"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventRoomClosed       = "room-closed"
	EventSignal           = "signal"
	EventSignalMessage    = "signal-message"
	EventError            = "error"
)

// Client to server events.
const (
	EventJoinRoom  = "join-room"
	EventClaimSeat = "claim-seat"
	EventChat      = "chat"
	EventLeaveRoom = "leave-room"
	EventCloseRoom = "close-room"
)

// Negotiation payload kinds carried by EventSignal.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
)

// Message is the envelope for every websocket frame in both directions.
// Data stays opaque to the relay path.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event string, payload any) *Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// Every payload below is a plain struct; failing to marshal one
		// is a programming error.
		panic(err)
	}
	return &Message{Event: event, Data: data}
}

type ConnectionReady struct {
	ConnectionID string `json:"connectionId"`
}

type RoleAssigned struct {
	Role string `json:"role"`
}

// SeatUpdate always carries the full slot snapshot. Consumers re-render
// from scratch instead of applying deltas.
type SeatUpdate struct {
	Seats []*string `json:"seats"`
}

type UserConnected struct {
	ConnectionID string `json:"connectionId"`
}

type UserDisconnected struct {
	ConnectionID string `json:"connectionId"`
}

type RoomClosed struct {
	Reason string `json:"reason"`
}

type ChatMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// SignalRequest is an inbound negotiation frame. Target names a connection
// for direct addressing; when empty the frame is routed through the room's
// instructor hub. Kind tags the payload so the relay can route it without
// ever looking inside Payload.
type SignalRequest struct {
	RoomID  string          `json:"roomId"`
	Target  string          `json:"target,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// SignalEnvelope is what the addressed peer receives: the sender identity
// and the untouched payload.
type SignalEnvelope struct {
	SenderID string          `json:"senderId"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}
