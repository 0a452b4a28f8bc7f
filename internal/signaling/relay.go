package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/classmesh/classroom-platform/pkg/roomstore"
	"go.uber.org/fx"
)

var (
	ErrNoNegotiation = errors.New("no pending negotiation for this peer")
	ErrSelfSignal    = errors.New("cannot signal yourself")
)

type negotiationKey struct {
	roomID   string
	targetID string
}

// Relay forwards negotiation payloads between connections without ever
// inspecting them. Direct frames name their target; hub frames are routed
// through the room's instructor, with one outstanding negotiation recorded
// per (room, instructor) so the answer finds its way back to the matching
// participant. A second offer arriving before the first is answered
// overwrites the record; that is the documented contract of the single
// slot, not an accident.
type Relay struct {
	store       roomstore.Store
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu           sync.Mutex
	negotiations map[negotiationKey]string
}

type NewRelayParams struct {
	fx.In

	Store       roomstore.Store
	Broadcaster *Broadcaster
	Logger      *slog.Logger
}

func NewRelay(params NewRelayParams) *Relay {
	return &Relay{
		store:        params.Store,
		broadcaster:  params.Broadcaster,
		logger:       params.Logger,
		negotiations: make(map[negotiationKey]string),
	}
}

// Forward routes one negotiation frame from senderID. The payload reaches
// the target verbatim inside a SignalEnvelope.
func (r *Relay) Forward(ctx context.Context, senderID string, req *SignalRequest) error {
	if req.Target == senderID && req.Target != "" {
		return ErrSelfSignal
	}

	targetID := req.Target
	if targetID == "" {
		resolved, err := r.resolveHubTarget(ctx, senderID, req)
		if err != nil {
			return err
		}
		targetID = resolved
	}

	return r.broadcaster.Send(targetID, NewMessage(EventSignal, &SignalEnvelope{
		SenderID: senderID,
		Kind:     req.Kind,
		Payload:  req.Payload,
	}))
}

// resolveHubTarget addresses a frame that names no target. Participants
// always signal toward the instructor; instructor frames flow back to the
// participant recorded by the last offer. Candidates simply follow the same
// record, which only holds up for a two-party exchange per hub.
func (r *Relay) resolveHubTarget(ctx context.Context, senderID string, req *SignalRequest) (string, error) {
	room, err := r.store.Get(ctx, req.RoomID)
	if err != nil {
		return "", err
	}

	key := negotiationKey{roomID: req.RoomID, targetID: room.InstructorID}

	if senderID != room.InstructorID {
		if req.Kind == KindOffer {
			r.recordNegotiation(key, senderID)
		}
		return room.InstructorID, nil
	}

	r.mu.Lock()
	participant, ok := r.negotiations[key]
	r.mu.Unlock()
	if !ok {
		return "", ErrNoNegotiation
	}
	return participant, nil
}

func (r *Relay) recordNegotiation(key negotiationKey, senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.negotiations[key]; ok && previous != senderID {
		r.logger.Warn("pending offer overwritten before it was answered",
			slog.String("roomId", key.roomID),
			slog.String("previous", previous),
			slog.String("next", senderID))
	}
	r.negotiations[key] = senderID
}

// DropRoom forgets every pending negotiation in a room.
func (r *Relay) DropRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.negotiations {
		if key.roomID == roomID {
			delete(r.negotiations, key)
		}
	}
}

// DropConnection forgets negotiations that involve a connection that went
// away, on either side.
func (r *Relay) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, participant := range r.negotiations {
		if key.targetID == connID || participant == connID {
			delete(r.negotiations, key)
		}
	}
}
