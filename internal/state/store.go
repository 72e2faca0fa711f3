// Package state owns the durable half of the relay's state: the session
// identity and per-slot camera occupancy, shared across relay processes
// through an external key-value service.
package state

import (
	"context"
	"errors"
	"time"
)

// Session is the deployment-wide identity pair. Exactly one session exists
// per deployment; it is created on first boot and survives relay restarts.
type Session struct {
	FilmID       string `json:"filmId"`
	ProductionID string `json:"productionId"`
}

// SessionPatch updates only the fields that are non-nil.
type SessionPatch struct {
	FilmID       *string `json:"filmId,omitempty"`
	ProductionID *string `json:"productionId,omitempty"`
}

// SlotState is the stored occupancy record for one camera slot.
//
// Connected reflects the last write by whichever process owned the slot's
// transport; it can be stale after a crash and must not be trusted for
// routing (routing always goes through the local registry).
type SlotState struct {
	Connected  bool           `json:"connected"`
	Metadata   map[string]any `json:"metadata"`
	LastUpdate time.Time      `json:"lastUpdate"`
}

// ErrSessionMissing is returned by Session when no session has been
// bootstrapped yet.
var ErrSessionMissing = errors.New("session not bootstrapped")

// Store is the narrow contract the router and HTTP surfaces depend on.
// Implementations must treat every call as a fallible network operation;
// callers never interpret an error as "slot unoccupied".
type Store interface {
	// Session returns the current session, or ErrSessionMissing.
	Session(ctx context.Context) (Session, error)

	// UpdateSession applies the patch and returns the full updated session.
	UpdateSession(ctx context.Context, patch SessionPatch) (Session, error)

	// EnsureSession returns the existing session, creating one with fresh
	// identifiers if absent. Creation is guarded so that two processes racing
	// to bootstrap converge on a single winning session.
	EnsureSession(ctx context.Context) (Session, error)

	// SlotState returns the stored occupancy for one slot. An absent record
	// reads as a disconnected slot.
	SlotState(ctx context.Context, slotID int) (SlotState, error)

	// SetSlotState overwrites the slot record and stamps the update time.
	SetSlotState(ctx context.Context, slotID int, connected bool, metadata map[string]any) error

	// Ping reports store reachability; used by health probes.
	Ping(ctx context.Context) error
}
