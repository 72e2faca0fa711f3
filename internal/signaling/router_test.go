package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/slateroom/multicam-relay/internal/metrics"
	"github.com/slateroom/multicam-relay/internal/registry"
	"github.com/slateroom/multicam-relay/internal/state"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("transport closed")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode sent message %q: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

type fakeStore struct {
	mu         sync.Mutex
	sess       state.Session
	hasSess    bool
	slots      map[int]state.SlotState
	failReads  bool
	failWrites bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{slots: make(map[int]state.SlotState)}
}

func (s *fakeStore) Session(ctx context.Context) (state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSess {
		return state.Session{}, state.ErrSessionMissing
	}
	return s.sess, nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, patch state.SessionPatch) (state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSess {
		return state.Session{}, state.ErrSessionMissing
	}
	if patch.FilmID != nil {
		s.sess.FilmID = *patch.FilmID
	}
	if patch.ProductionID != nil {
		s.sess.ProductionID = *patch.ProductionID
	}
	return s.sess, nil
}

func (s *fakeStore) EnsureSession(ctx context.Context) (state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSess {
		s.sess = state.Session{FilmID: "film", ProductionID: "production"}
		s.hasSess = true
	}
	return s.sess, nil
}

func (s *fakeStore) SlotState(ctx context.Context, slotID int) (state.SlotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads {
		return state.SlotState{}, errors.New("store unreachable")
	}
	slot, ok := s.slots[slotID]
	if !ok {
		return state.SlotState{Metadata: map[string]any{}}, nil
	}
	return slot, nil
}

func (s *fakeStore) SetSlotState(ctx context.Context, slotID int, connected bool, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("store unreachable")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.slots[slotID] = state.SlotState{Connected: connected, Metadata: metadata}
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) slot(slotID int) state.SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slotID]
}

func newTestRouter(store state.Store) (*Router, *registry.Registry, *metrics.Metrics) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	m := metrics.New()
	return NewRouter(logger, store, reg, m, 3), reg, m
}

func registerClient(t *testing.T, r *Router, conn *fakeConn) *Link {
	t.Helper()
	link := r.NewLink(conn)
	r.HandleMessage(context.Background(), link, []byte(`{"type":"register-client"}`))
	if len(conn.messages(t)) != 1 {
		t.Fatalf("expected initial-state reply, got %d messages", len(conn.messages(t)))
	}
	return link
}

func messagesOfType(msgs []map[string]any, msgType string) []map[string]any {
	var out []map[string]any
	for _, msg := range msgs {
		if msg["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestRegisterCameraOutOfRangeHasNoEffect(t *testing.T) {
	store := newFakeStore()
	router, reg, _ := newTestRouter(store)

	for _, slotID := range []int{0, -1, 4, 99} {
		conn := &fakeConn{}
		link := router.NewLink(conn)
		raw, _ := json.Marshal(map[string]any{"type": "register-camera", "cameraId": slotID, "metadata": map[string]any{"x": 1}})
		router.HandleMessage(context.Background(), link, raw)

		if _, ok := reg.CameraConn(slotID); ok {
			t.Fatalf("slot %d: registry bound out-of-range camera", slotID)
		}
		if store.slot(slotID).Connected {
			t.Fatalf("slot %d: store marked out-of-range slot connected", slotID)
		}
		if len(conn.sent) != 0 {
			t.Fatalf("slot %d: unexpected reply to ignored registration", slotID)
		}
	}
}

func TestOfferAutoPromotionOutOfRangeHasNoEffect(t *testing.T) {
	store := newFakeStore()
	router, reg, _ := newTestRouter(store)

	client := &fakeConn{}
	registerClient(t, router, client)

	conn := &fakeConn{}
	link := router.NewLink(conn)
	router.HandleMessage(context.Background(), link, []byte(`{"type":"offer","cameraId":7,"sdp":"v=0"}`))

	if _, ok := reg.CameraConn(7); ok {
		t.Fatal("registry bound out-of-range slot via offer")
	}
	if got := messagesOfType(client.messages(t), TypeCameraConnected); len(got) != 0 {
		t.Fatalf("client received %d camera-connected events, want 0", len(got))
	}
}

func TestBindingSupersedesPreviousHandle(t *testing.T) {
	store := newFakeStore()
	router, reg, _ := newTestRouter(store)

	first := &fakeConn{}
	firstLink := router.NewLink(first)
	router.HandleMessage(context.Background(), firstLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))

	second := &fakeConn{}
	secondLink := router.NewLink(second)
	router.HandleMessage(context.Background(), secondLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))

	bound, ok := reg.CameraConn(1)
	if !ok || bound != registry.Conn(second) {
		t.Fatal("slot 1 not bound to the superseding handle")
	}

	// The superseded handle's late close must not disturb the new binding
	// or the stored state.
	router.HandleClose(context.Background(), firstLink)

	if bound, ok := reg.CameraConn(1); !ok || bound != registry.Conn(second) {
		t.Fatal("superseded handle's close unbound the replacement")
	}
	if !store.slot(1).Connected {
		t.Fatal("superseded handle's close marked slot disconnected in store")
	}
}

func TestCameraDisconnectLifecycle(t *testing.T) {
	store := newFakeStore()
	router, reg, _ := newTestRouter(store)

	client := &fakeConn{}
	registerClient(t, router, client)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":2,"metadata":{"name":"b-cam"}}`))

	if !store.slot(2).Connected {
		t.Fatal("slot 2 not connected in store after registration")
	}

	router.HandleClose(context.Background(), camLink)

	if store.slot(2).Connected {
		t.Fatal("slot 2 still connected in store after transport close")
	}
	if _, ok := reg.CameraConn(2); ok {
		t.Fatal("slot 2 still bound in registry after transport close")
	}

	disconnects := messagesOfType(client.messages(t), TypeCameraDisconnected)
	if len(disconnects) != 1 {
		t.Fatalf("client received %d camera-disconnected events, want exactly 1", len(disconnects))
	}
	if got := disconnects[0]["cameraId"]; got != float64(2) {
		t.Fatalf("camera-disconnected cameraId=%v, want 2", got)
	}
}

func TestOfferAutoPromotionAnnouncesOnce(t *testing.T) {
	store := newFakeStore()
	router, reg, _ := newTestRouter(store)

	client := &fakeConn{}
	registerClient(t, router, client)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"offer","cameraId":3,"sdp":"v=0"}`))

	if _, ok := reg.CameraConn(3); !ok {
		t.Fatal("offer did not promote the connection to the camera role")
	}
	if !store.slot(3).Connected {
		t.Fatal("slot 3 not connected in store after auto-promotion")
	}

	// The camera-connected announcement must precede the relayed offer.
	msgs := client.messages(t)
	if len(msgs) < 3 {
		t.Fatalf("client received %d messages, want initial-state + camera-connected + offer", len(msgs))
	}
	if msgs[1]["type"] != TypeCameraConnected {
		t.Fatalf("second client message is %v, want camera-connected", msgs[1]["type"])
	}
	if msgs[2]["type"] != TypeOffer {
		t.Fatalf("third client message is %v, want the relayed offer", msgs[2]["type"])
	}

	// A later explicit registration for the same slot must not re-announce.
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":3,"metadata":{"name":"c-cam"}}`))

	if got := messagesOfType(client.messages(t), TypeCameraConnected); len(got) != 1 {
		t.Fatalf("client received %d camera-connected events, want exactly 1", len(got))
	}
	if got := store.slot(3).Metadata["name"]; got != "c-cam" {
		t.Fatalf("explicit registration did not refresh stored metadata, got %v", got)
	}
}

func TestBroadcastToleratesFailedClient(t *testing.T) {
	store := newFakeStore()
	router, _, m := newTestRouter(store)

	clients := make([]*fakeConn, 5)
	for i := range clients {
		clients[i] = &fakeConn{}
		registerClient(t, router, clients[i])
	}
	clients[2].closed = true

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))

	for i, client := range clients {
		got := len(messagesOfType(client.messages(t), TypeCameraConnected))
		want := 1
		if i == 2 {
			want = 0
		}
		if got != want {
			t.Fatalf("client %d received %d camera-connected events, want %d", i, got, want)
		}
	}
	if m.Get(metrics.EventBroadcastSendFailure) == 0 {
		t.Fatal("failed broadcast send was not counted")
	}
}

func TestInitialStateListsOnlyConnectedSlots(t *testing.T) {
	store := newFakeStore()
	router, _, _ := newTestRouter(store)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":2,"metadata":{"x":1}}`))

	client := &fakeConn{}
	link := router.NewLink(client)
	router.HandleMessage(context.Background(), link, []byte(`{"type":"register-client"}`))

	msgs := client.messages(t)
	if len(msgs) != 1 || msgs[0]["type"] != TypeInitialState {
		t.Fatalf("expected a single initial-state message, got %v", msgs)
	}

	cameras, ok := msgs[0]["cameras"].(map[string]any)
	if !ok {
		t.Fatalf("initial-state cameras has unexpected shape: %v", msgs[0]["cameras"])
	}
	if len(cameras) != 1 {
		t.Fatalf("initial-state lists %d cameras, want 1", len(cameras))
	}
	slot, ok := cameras["2"].(map[string]any)
	if !ok {
		t.Fatalf("initial-state missing slot 2: %v", cameras)
	}
	if slot["connected"] != true {
		t.Fatalf("slot 2 connected=%v, want true", slot["connected"])
	}
	metadata, _ := slot["metadata"].(map[string]any)
	if metadata["x"] != float64(1) {
		t.Fatalf("slot 2 metadata=%v, want x=1", slot["metadata"])
	}
}

func TestDisconnectedSlotAbsentFromLaterSnapshots(t *testing.T) {
	store := newFakeStore()
	router, _, _ := newTestRouter(store)

	clientC := &fakeConn{}
	registerClient(t, router, clientC)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))
	router.HandleClose(context.Background(), camLink)

	if got := messagesOfType(clientC.messages(t), TypeCameraDisconnected); len(got) != 1 {
		t.Fatalf("client C received %d camera-disconnected events, want 1", len(got))
	}

	clientD := &fakeConn{}
	link := router.NewLink(clientD)
	router.HandleMessage(context.Background(), link, []byte(`{"type":"register-client"}`))

	msgs := clientD.messages(t)
	cameras, _ := msgs[0]["cameras"].(map[string]any)
	if _, present := cameras["1"]; present {
		t.Fatal("initial-state for client D still lists the disconnected slot")
	}
}

func TestNegotiationForwardedToBoundCamera(t *testing.T) {
	store := newFakeStore()
	router, _, m := newTestRouter(store)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))

	client := &fakeConn{}
	clientLink := router.NewLink(client)
	router.HandleMessage(context.Background(), clientLink, []byte(`{"type":"register-client"}`))

	// An answer from the client routes to the single bound handle, with the
	// payload relayed byte-for-byte.
	raw := []byte(`{"type":"answer","cameraId":1,"sdp":"v=0 custom","extra":{"k":"v"}}`)
	router.HandleMessage(context.Background(), clientLink, raw)

	if len(cam.sent) != 1 {
		t.Fatalf("camera received %d messages, want 1", len(cam.sent))
	}
	if string(cam.sent[0]) != string(raw) {
		t.Fatalf("forwarded payload was rewritten: %s", cam.sent[0])
	}

	// Targeting an unbound slot is a silent drop, not an error.
	router.HandleMessage(context.Background(), clientLink, []byte(`{"type":"candidate","cameraId":2,"candidate":"..."}`))
	if m.Get(metrics.EventRelayDropped) != 1 {
		t.Fatalf("relay drop not counted, got %d", m.Get(metrics.EventRelayDropped))
	}
}

func TestCameraNegotiationBroadcastToClients(t *testing.T) {
	store := newFakeStore()
	router, _, _ := newTestRouter(store)

	clientA := &fakeConn{}
	registerClient(t, router, clientA)
	clientB := &fakeConn{}
	registerClient(t, router, clientB)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"candidate","cameraId":1,"candidate":"host"}`))

	for name, client := range map[string]*fakeConn{"A": clientA, "B": clientB} {
		if got := messagesOfType(client.messages(t), TypeCandidate); len(got) != 1 {
			t.Fatalf("client %s received %d candidate messages, want 1", name, len(got))
		}
	}
}

func TestRecordingControlForwardedToCamera(t *testing.T) {
	store := newFakeStore()
	router, _, _ := newTestRouter(store)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))

	client := &fakeConn{}
	clientLink := router.NewLink(client)
	router.HandleMessage(context.Background(), clientLink, []byte(`{"type":"register-client"}`))
	router.HandleMessage(context.Background(), clientLink, []byte(`{"type":"start-recording","cameraId":1}`))

	if got := messagesOfType(cam.messages(t), TypeStartRecording); len(got) != 1 {
		t.Fatalf("camera received %d start-recording messages, want 1", len(got))
	}

	// Recording control from a connection that never classified is ignored.
	stray := router.NewLink(&fakeConn{})
	router.HandleMessage(context.Background(), stray, []byte(`{"type":"stop-recording","cameraId":1}`))
	if got := messagesOfType(cam.messages(t), TypeStopRecording); len(got) != 0 {
		t.Fatal("recording control from unclassified connection was forwarded")
	}
}

func TestStoreFailureLeavesNoPartialState(t *testing.T) {
	store := newFakeStore()
	store.failWrites = true
	router, reg, _ := newTestRouter(store)

	client := &fakeConn{}
	registerClient(t, router, client)

	cam := &fakeConn{}
	camLink := router.NewLink(cam)
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))

	if _, ok := reg.CameraConn(1); ok {
		t.Fatal("registry bound a camera despite the store write failing")
	}
	if got := messagesOfType(client.messages(t), TypeCameraConnected); len(got) != 0 {
		t.Fatal("camera-connected broadcast despite the store write failing")
	}

	// The connection is still unclassified and may retry once the store
	// recovers.
	store.mu.Lock()
	store.failWrites = false
	store.mu.Unlock()
	router.HandleMessage(context.Background(), camLink, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))
	if _, ok := reg.CameraConn(1); !ok {
		t.Fatal("retry after store recovery did not bind the camera")
	}
}

func TestClientRegistrationRollsBackOnSnapshotFailure(t *testing.T) {
	store := newFakeStore()
	store.failReads = true
	router, reg, _ := newTestRouter(store)

	client := &fakeConn{}
	link := router.NewLink(client)
	router.HandleMessage(context.Background(), link, []byte(`{"type":"register-client"}`))

	if len(reg.Clients()) != 0 {
		t.Fatal("client left in registry after snapshot read failed")
	}
	if len(client.sent) != 0 {
		t.Fatal("client received a reply despite failed registration")
	}

	store.mu.Lock()
	store.failReads = false
	store.mu.Unlock()
	router.HandleMessage(context.Background(), link, []byte(`{"type":"register-client"}`))
	if len(reg.Clients()) != 1 {
		t.Fatal("retry after store recovery did not register the client")
	}
}

func TestMalformedAndUnknownMessagesAreDiscarded(t *testing.T) {
	store := newFakeStore()
	router, reg, m := newTestRouter(store)

	conn := &fakeConn{}
	link := router.NewLink(conn)

	router.HandleMessage(context.Background(), link, []byte(`{not json`))
	router.HandleMessage(context.Background(), link, []byte(`{"type":"telemetry","battery":42}`))

	if m.Get(metrics.EventMalformedMessage) != 1 {
		t.Fatalf("malformed message not counted, got %d", m.Get(metrics.EventMalformedMessage))
	}
	if m.Get(metrics.EventUnknownMessageType) != 1 {
		t.Fatalf("unknown message type not counted, got %d", m.Get(metrics.EventUnknownMessageType))
	}

	// The connection is unaffected and can still classify.
	router.HandleMessage(context.Background(), link, []byte(`{"type":"register-camera","cameraId":1,"metadata":{}}`))
	if _, ok := reg.CameraConn(1); !ok {
		t.Fatal("connection could not classify after discarded messages")
	}
}

func TestUnclassifiedCloseIsNoop(t *testing.T) {
	store := newFakeStore()
	router, reg, _ := newTestRouter(store)

	client := &fakeConn{}
	registerClient(t, router, client)

	link := router.NewLink(&fakeConn{})
	router.HandleClose(context.Background(), link)

	if got := len(client.messages(t)); got != 1 {
		t.Fatalf("unclassified close produced broadcasts: %d messages", got)
	}
	if len(reg.Clients()) != 1 {
		t.Fatal("unclassified close disturbed the client set")
	}
}
