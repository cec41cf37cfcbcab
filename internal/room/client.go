// Package room implements the per-match state machine: one game-logic
// instance, its client slots, the turn loop, and the timeout/violation
// monitor. Rooms run independently; one slow room never blocks another.
package room

import (
	"context"

	"github.com/Rechenmaschine/backend/internal/game"
)

// EventType labels room notifications sent to clients and observers.
type EventType string

const (
	// EventStateChanged carries a fresh game-state snapshot after a move.
	EventStateChanged EventType = "state_changed"
	// EventSoftTimeout warns a client that it missed the soft move deadline.
	EventSoftTimeout EventType = "soft_timeout"
	// EventViolation informs a client that its move was rejected as invalid.
	EventViolation EventType = "violation"
	// EventGameOver carries the terminal result summary.
	EventGameOver EventType = "game_over"
)

// Event is one room notification. Payload content depends on Type.
type Event struct {
	Type    EventType
	RoomID  string
	Payload map[string]any
}

// Client is one connected participant, associated with exactly one slot in
// exactly one room at a time. The transport behind it is out of scope; the
// room only needs decoded moves and a notification sink.
type Client interface {
	// Name is the client's display name.
	Name() string

	// RequestMove asks the client for its next move given a read-only state
	// snapshot. Implementations must return promptly when ctx is cancelled
	// or the underlying connection is gone; the room enforces deadlines on
	// top and never relies on client cooperation.
	RequestMove(ctx context.Context, state map[string]any) (game.Move, error)

	// Notify delivers a room event. Must not block the caller.
	Notify(event Event)
}
