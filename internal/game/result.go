package game

import (
	"math/big"

	"github.com/Rechenmaschine/backend/internal/score"
)

// Cause explains how a player's participation in a match ended.
type Cause int

const (
	// CauseRegular means the player finished the match normally.
	CauseRegular Cause = iota
	// CauseLeft means the player disconnected voluntarily; forfeiture
	// without blame.
	CauseLeft
	// CauseSoftTimeout means the player missed a move deadline once.
	CauseSoftTimeout
	// CauseHardTimeout means the player missed a fatal move deadline.
	CauseHardTimeout
	// CauseViolated means the player sent a structurally invalid move.
	CauseViolated
)

// String returns a human-readable cause label.
func (c Cause) String() string {
	switch c {
	case CauseRegular:
		return "regular"
	case CauseLeft:
		return "left"
	case CauseSoftTimeout:
		return "soft timeout"
	case CauseHardTimeout:
		return "hard timeout"
	case CauseViolated:
		return "rule violation"
	default:
		return "unknown"
	}
}

// PlayerResult is one player's share of a match result.
type PlayerResult struct {
	// DisplayName is the player's name as bound to the slot.
	DisplayName string
	// Cause explains how this player's match ended.
	Cause Cause
	// Reason carries an optional human-readable detail, e.g. the violation
	// description.
	Reason string
	// Values are the raw fragment values of this single match, in
	// Definition order.
	Values []*big.Rat
}

// Result is produced exactly once per finished or aborted match.
type Result struct {
	// Definition is the score schema the Values of every player follow.
	Definition score.Definition
	// Players holds one entry per slot, in slot order.
	Players []PlayerResult
	// Winner is the winning slot index, or -1 for a draw or an abort with
	// no remaining eligible player.
	Winner int
	// Regular is true for a normal game end, false for forfeit or abort.
	Regular bool
}

// PlayerScores converts the per-player raw values into ledger input.
func (r *Result) PlayerScores() []score.PlayerScore {
	out := make([]score.PlayerScore, len(r.Players))
	for i, p := range r.Players {
		values := make([]*big.Rat, len(p.Values))
		for j, v := range p.Values {
			values[j] = new(big.Rat).Set(v)
		}
		out[i] = score.PlayerScore{DisplayName: p.DisplayName, Values: values}
	}
	return out
}
