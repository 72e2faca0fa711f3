package httpserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/slateroom/multicam-relay/internal/qrlink"
	"github.com/slateroom/multicam-relay/internal/state"
)

// The /api responses keep the success-envelope shape the control UI expects.

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Session(r.Context())
	if err != nil {
		s.log.Error("failed to read session", "err", err)
		writeAPIError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"filmId":       sess.FilmID,
		"productionId": sess.ProductionID,
	})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var patch state.SessionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.store.UpdateSession(r.Context(), patch)
	if err != nil {
		if errors.Is(err, state.ErrSessionMissing) {
			writeAPIError(w, http.StatusConflict, "session not bootstrapped")
			return
		}
		s.log.Error("failed to update session", "err", err)
		writeAPIError(w, http.StatusServiceUnavailable, "session update failed")
		return
	}

	s.log.Info("session updated", "film_id", sess.FilmID, "production_id", sess.ProductionID)
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"filmId":       sess.FilmID,
		"productionId": sess.ProductionID,
	})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	cameras := make(map[int]map[string]any, s.cfg.SlotCount)
	for _, slotID := range s.cfg.Slots() {
		slot, err := s.store.SlotState(r.Context(), slotID)
		if err != nil {
			s.log.Error("failed to read slot state", "slot", slotID, "err", err)
			writeAPIError(w, http.StatusServiceUnavailable, "camera status unavailable")
			return
		}
		cameras[slotID] = map[string]any{
			"connected": slot.Connected,
			"metadata":  slot.Metadata,
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "cameras": cameras})
}

func (s *Server) handleCameraQR(w http.ResponseWriter, r *http.Request) {
	cameraID, err := strconv.Atoi(r.PathValue("cameraId"))
	if err != nil || !s.cfg.SlotInRange(cameraID) {
		writeAPIError(w, http.StatusBadRequest, "invalid camera ID")
		return
	}

	sess, err := s.store.Session(r.Context())
	if err != nil {
		s.log.Error("failed to read session for qr payload", "err", err)
		writeAPIError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}

	descriptor := qrlink.NewDescriptor(s.cfg.PublicHost, s.listenPort(), sess, cameraID)
	dataURL, err := qrlink.DataURL(descriptor)
	if err != nil {
		s.log.Error("failed to render qr code", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"qrCode":         dataURL,
		"connectionData": descriptor,
	})
}

func (s *Server) listenPort() int {
	_, portStr, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
