// Package qrlink builds the connection bootstrap payload a camera device
// scans to find the relay: where to dial, which session it joins, and which
// slot it should claim with register-camera.
package qrlink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/slateroom/multicam-relay/internal/state"
)

const qrImageSize = 300

// ConnectionDescriptor is the payload encoded into the QR image. The device
// dials ws://serverAddress:port/signaling and sends register-camera for
// cameraId.
type ConnectionDescriptor struct {
	ServerAddress string    `json:"serverAddress"`
	Port          int       `json:"port"`
	Protocol      string    `json:"protocol"`
	FilmID        string    `json:"filmId"`
	ProductionID  string    `json:"productionId"`
	CameraID      int       `json:"cameraId"`
	CameraName    string    `json:"cameraName"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewDescriptor assembles the descriptor for one camera slot against the
// current session.
func NewDescriptor(host string, port int, sess state.Session, cameraID int) ConnectionDescriptor {
	return ConnectionDescriptor{
		ServerAddress: host,
		Port:          port,
		Protocol:      "ws",
		FilmID:        sess.FilmID,
		ProductionID:  sess.ProductionID,
		CameraID:      cameraID,
		CameraName:    fmt.Sprintf("Camera %d", cameraID),
		Timestamp:     time.Now().UTC(),
	}
}

// DataURL renders the descriptor as a QR PNG wrapped in a data URL, ready
// for an <img> tag.
func DataURL(d ConnectionDescriptor) (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode connection descriptor: %w", err)
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
