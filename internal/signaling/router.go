package signaling

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/slateroom/multicam-relay/internal/metrics"
	"github.com/slateroom/multicam-relay/internal/registry"
	"github.com/slateroom/multicam-relay/internal/state"
)

type role int

const (
	roleUnclassified role = iota
	roleCamera
	roleControlClient
)

func (r role) String() string {
	switch r {
	case roleCamera:
		return "camera"
	case roleControlClient:
		return "control-client"
	default:
		return "unclassified"
	}
}

// Link is the router's per-connection state. A connection acquires exactly
// one role on its first classifying message and keeps it until close.
//
// Link fields are only touched by HandleMessage and HandleClose, which the
// transport calls sequentially for one connection, so no locking is needed
// here; cross-connection state lives in the registry and the store.
type Link struct {
	conn registry.Conn
	role role
	slot int
}

// Router is the signaling state machine. It classifies connections, keeps
// the local registry and the shared store in agreement through camera
// lifecycle transitions, and relays negotiation payloads between cameras
// and control clients.
type Router struct {
	log       *slog.Logger
	store     state.Store
	reg       *registry.Registry
	metrics   *metrics.Metrics
	slotCount int
}

func NewRouter(logger *slog.Logger, store state.Store, reg *registry.Registry, m *metrics.Metrics, slotCount int) *Router {
	return &Router{
		log:       logger,
		store:     store,
		reg:       reg,
		metrics:   m,
		slotCount: slotCount,
	}
}

// NewLink registers a freshly opened transport connection with the router.
func (r *Router) NewLink(conn registry.Conn) *Link {
	return &Link{conn: conn}
}

func (r *Router) slotInRange(id int) bool {
	return id >= 1 && id <= r.slotCount
}

// HandleMessage processes one inbound message. Malformed or out-of-place
// messages are dropped per-message; they never terminate the connection.
func (r *Router) HandleMessage(ctx context.Context, l *Link, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.metrics.Inc(metrics.EventMalformedMessage)
		r.log.Debug("discarding malformed signaling message", "err", err)
		return
	}

	switch env.Type {
	case TypeRegisterCamera:
		r.handleRegisterCamera(ctx, l, env)
	case TypeRegisterClient:
		r.handleRegisterClient(ctx, l)
	case TypeOffer, TypeAnswer, TypeCandidate:
		r.handleNegotiation(ctx, l, env, raw)
	case TypeStartRecording, TypeStopRecording:
		r.handleRecordingControl(l, env, raw)
	default:
		r.metrics.Inc(metrics.EventUnknownMessageType)
		r.log.Debug("ignoring unknown signaling message type", "type", env.Type)
	}
}

func (r *Router) handleRegisterCamera(ctx context.Context, l *Link, env envelope) {
	switch l.role {
	case roleUnclassified:
		r.registerCamera(ctx, l, env.CameraID, env.Metadata)
	case roleCamera:
		// Explicit registration after offer-based auto-promotion: refresh the
		// stored metadata but do not announce the camera a second time.
		if l.slot != env.CameraID {
			return
		}
		metadata := env.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		if err := r.store.SetSlotState(ctx, l.slot, true, metadata); err != nil {
			r.metrics.Inc(metrics.EventStoreOpFailure)
			r.log.Error("failed to refresh slot metadata", "slot", l.slot, "err", err)
		}
	default:
		// Role is immutable after classification.
	}
}

// registerCamera performs the unclassified -> camera transition, shared by
// explicit registration and offer-based auto-promotion. The store write
// happens first so a store failure leaves no partial mutation anywhere.
func (r *Router) registerCamera(ctx context.Context, l *Link, slotID int, metadata map[string]any) bool {
	if !r.slotInRange(slotID) {
		// Malformed/foreign message, not a protocol violation: no error reply,
		// the connection stays unclassified.
		r.metrics.Inc(metrics.EventSlotOutOfRange)
		r.log.Debug("ignoring camera registration for slot out of range", "slot", slotID)
		return false
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	if err := r.store.SetSlotState(ctx, slotID, true, metadata); err != nil {
		r.metrics.Inc(metrics.EventStoreOpFailure)
		r.log.Error("camera registration failed against shared store", "slot", slotID, "err", err)
		return false
	}

	l.role = roleCamera
	l.slot = slotID
	r.reg.BindCamera(slotID, l.conn)

	r.broadcast(mustMarshal(cameraConnectedEvent{
		Type:     TypeCameraConnected,
		CameraID: slotID,
		Metadata: metadata,
	}))

	r.log.Info("camera connected", "slot", slotID)
	return true
}

func (r *Router) handleRegisterClient(ctx context.Context, l *Link) {
	if l.role != roleUnclassified {
		return
	}

	l.role = roleControlClient
	r.reg.AddClient(l.conn)

	// The per-slot reads are not atomic as a group; a slot flipping mid-read
	// shows up in a later camera-connected/-disconnected broadcast instead.
	cameras := make(map[int]SlotSnapshot)
	for slotID := 1; slotID <= r.slotCount; slotID++ {
		slot, err := r.store.SlotState(ctx, slotID)
		if err != nil {
			// Registration must not half-succeed: undo the classification so
			// the client can retry once the store recovers.
			r.reg.RemoveClient(l.conn)
			l.role = roleUnclassified
			r.metrics.Inc(metrics.EventStoreOpFailure)
			r.log.Error("client registration failed reading slot state", "slot", slotID, "err", err)
			return
		}
		if slot.Connected {
			cameras[slotID] = SlotSnapshot{Connected: true, Metadata: slot.Metadata}
		}
	}

	if err := l.conn.Send(mustMarshal(initialStateMessage{
		Type:    TypeInitialState,
		Cameras: cameras,
	})); err != nil {
		r.log.Debug("failed to send initial state", "err", err)
	}

	r.log.Info("control client registered", "connected_cameras", len(cameras))
}

func (r *Router) handleNegotiation(ctx context.Context, l *Link, env envelope, raw []byte) {
	switch l.role {
	case roleControlClient:
		r.forwardToCamera(env, raw)
	case roleCamera:
		r.broadcast(raw)
	case roleUnclassified:
		// A device may start negotiating without an explicit registration
		// step; an offer with a valid slot promotes it to the camera role.
		// The camera-connected broadcast precedes the relayed offer.
		if env.Type != TypeOffer {
			return
		}
		if r.registerCamera(ctx, l, env.CameraID, env.Metadata) {
			r.broadcast(raw)
		}
	}
}

func (r *Router) handleRecordingControl(l *Link, env envelope, raw []byte) {
	if l.role == roleUnclassified {
		return
	}
	r.forwardToCamera(env, raw)
}

// forwardToCamera relays raw to the single handle bound to the target slot.
// A missing binding or failed send is a normal race during disconnect, not
// an error.
func (r *Router) forwardToCamera(env envelope, raw []byte) {
	if !r.slotInRange(env.CameraID) {
		r.metrics.Inc(metrics.EventSlotOutOfRange)
		return
	}
	conn, ok := r.reg.CameraConn(env.CameraID)
	if !ok {
		r.metrics.Inc(metrics.EventRelayDropped)
		r.log.Debug("dropping message for unbound slot", "type", env.Type, "slot", env.CameraID)
		return
	}
	if err := conn.Send(raw); err != nil {
		r.metrics.Inc(metrics.EventRelayDropped)
		r.log.Debug("dropping message for closed camera transport", "type", env.Type, "slot", env.CameraID, "err", err)
	}
}

// broadcast delivers data to a snapshot of the current control-client set.
// A failed send to one client is logged and counted; the handle is left for
// its own close event to clean up.
func (r *Router) broadcast(data []byte) {
	for _, conn := range r.reg.Clients() {
		if err := conn.Send(data); err != nil {
			r.metrics.Inc(metrics.EventBroadcastSendFailure)
			r.log.Debug("broadcast send failed", "err", err)
		}
	}
}

// HandleClose reconciles both stores when a transport closes. For a camera
// the local unbind is conditional: if the slot was rebound to a newer handle
// the store and clients already reflect the replacement, and this close must
// not disturb it.
func (r *Router) HandleClose(ctx context.Context, l *Link) {
	switch l.role {
	case roleCamera:
		if !r.reg.UnbindCamera(l.slot, l.conn) {
			return
		}
		if err := r.store.SetSlotState(ctx, l.slot, false, map[string]any{}); err != nil {
			r.metrics.Inc(metrics.EventStoreOpFailure)
			r.log.Error("failed to mark slot disconnected", "slot", l.slot, "err", err)
		}
		r.broadcast(mustMarshal(cameraDisconnectedEvent{
			Type:     TypeCameraDisconnected,
			CameraID: l.slot,
		}))
		r.log.Info("camera disconnected", "slot", l.slot)
	case roleControlClient:
		r.reg.RemoveClient(l.conn)
		r.log.Debug("control client disconnected")
	}
}
