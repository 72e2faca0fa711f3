package signaling

import "encoding/json"

// Inbound message types.
const (
	TypeRegisterCamera = "register-camera"
	TypeRegisterClient = "register-client"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeCandidate      = "candidate"
	TypeStartRecording = "start-recording"
	TypeStopRecording  = "stop-recording"
)

// Outbound event types.
const (
	TypeCameraConnected    = "camera-connected"
	TypeCameraDisconnected = "camera-disconnected"
	TypeInitialState       = "initial-state"
)

// envelope is the portion of every signaling message the router inspects.
// Negotiation payloads (sdp, candidate, etc.) are opaque; forwarded messages
// are relayed as the raw bytes that arrived, so fields the router does not
// understand survive the hop.
type envelope struct {
	Type     string         `json:"type"`
	CameraID int            `json:"cameraId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type cameraConnectedEvent struct {
	Type     string         `json:"type"`
	CameraID int            `json:"cameraId"`
	Metadata map[string]any `json:"metadata"`
}

type cameraDisconnectedEvent struct {
	Type     string `json:"type"`
	CameraID int    `json:"cameraId"`
}

// SlotSnapshot is one entry of the initial-state message sent to a control
// client on registration.
type SlotSnapshot struct {
	Connected bool           `json:"connected"`
	Metadata  map[string]any `json:"metadata"`
}

type initialStateMessage struct {
	Type    string               `json:"type"`
	Cameras map[int]SlotSnapshot `json:"cameras"`
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All outbound event types marshal from plain maps and structs;
		// a failure here is a programming error.
		panic(err)
	}
	return data
}
