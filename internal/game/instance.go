// Package game defines the boundary between the orchestration core and
// plugin-provided game logic. The core treats an Instance as an opaque state
// machine: it applies moves, queries status, loads saved state, and collects
// the terminal result. All rule knowledge lives behind this contract.
package game

import "errors"

// Move is one already-decoded move payload. The wire protocol decodes frames
// into this shape before the core ever sees them.
type Move map[string]any

// Status is the coarse lifecycle of a game-logic instance.
type Status int

const (
	// StatusRunning means the game accepts further moves.
	StatusRunning Status = iota
	// StatusFinished means the game reached a regular end state.
	StatusFinished
)

// String returns a human-readable status label.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ErrInvalidMove marks a structurally invalid move. The room treats it as a
// protocol violation by the sending client, not as a game-over condition.
var ErrInvalidMove = errors.New("invalid move")

// Instance is one live game owned by exactly one room.
//
// Implementations need not be safe for concurrent use: the owning room's turn
// loop is single-threaded and is the only caller after construction.
type Instance interface {
	// ApplyMove advances the game with the move of the player in slotIndex.
	// Returns an error wrapping ErrInvalidMove for structurally invalid moves.
	ApplyMove(slotIndex int, move Move) error

	// Status reports whether the game still accepts moves.
	Status() Status

	// ActiveSlot returns the slot index whose move is expected next.
	// Undefined once Status is StatusFinished.
	ActiveSlot() int

	// Result builds the regular match result. Only valid once Status is
	// StatusFinished; the room synthesizes forfeit results itself.
	Result() (*Result, error)

	// LoadFromFile replaces the current state with a recorded one. Turn 0
	// (or unset) selects the first recorded state.
	LoadFromFile(path string, turn int) error

	// LoadGameInfo applies out-of-band prepared-game information.
	LoadGameInfo(info any) error

	// StateSnapshot returns a read-only copy of the current game state for
	// observers and for move requests sent to clients.
	StateSnapshot() map[string]any

	// Close releases instance resources. The instance is unusable afterwards.
	Close()
}
