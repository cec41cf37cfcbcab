package plugin

import (
	"fmt"
	"math/big"

	lua "github.com/yuin/gopher-lua"

	"github.com/Rechenmaschine/backend/internal/game"
)

// Instance is one live game backed by a sandboxed Lua VM running the
// plugin's compiled rule script.
//
// The script keeps all game state in the table returned from init(); every
// hook receives that table as its first argument:
//
//	init() -> state
//	apply_move(state, slot, move) -> nil | error string   (string = violation)
//	status(state) -> "running" | "finished"
//	active_slot(state) -> slot (1-based)
//	player_scores(state) -> { {fragment values of slot 1}, {slot 2}, ... }
//	winner(state) -> slot | nil                           (optional)
//	load_state(state, saved)                              (optional)
//	load_game_info(state, info)                           (optional)
//
// Slot indices are 1-based inside Lua and 0-based on the Go side.
// Instance is not safe for concurrent use; the owning room's turn loop is
// its only caller.
type Instance struct {
	plugin *Plugin
	L      *lua.LState
	budget *opcodeBudget
	state  lua.LValue
	closed bool
}

// CreateInstance constructs a fresh game instance: a new sandboxed LState,
// one execution of the compiled rule script, then init().
//
// Postcondition: Returns a ready Instance or a non-nil error; on error no
// LState is leaked.
func (p *Plugin) CreateInstance() (game.Instance, error) {
	L, budget := newInstanceState(p.Manifest.InstructionBudget)

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		budget.cancel()
		L.Close()
		return nil, fmt.Errorf("plugin %q: executing rule script: %w", p.Manifest.UUID, err)
	}

	in := &Instance{plugin: p, L: L, budget: budget}
	state, err := in.call("init", 1)
	if err != nil {
		budget.cancel()
		L.Close()
		return nil, err
	}
	if _, ok := state.(*lua.LTable); !ok {
		budget.cancel()
		L.Close()
		return nil, fmt.Errorf("plugin %q: init() must return a state table, got %s",
			p.Manifest.UUID, state.Type())
	}
	in.state = state
	return in, nil
}

// call invokes the named global hook with the given args and returns its
// first return value, or LNil for zero nret. Each call runs under a fresh
// instruction budget.
func (in *Instance) call(fn string, nret int, args ...lua.LValue) (lua.LValue, error) {
	in.budget.reset()
	f := in.L.GetGlobal(fn)
	if f == lua.LNil {
		return lua.LNil, fmt.Errorf("plugin %q: script does not define %s()", in.plugin.Manifest.UUID, fn)
	}
	if err := in.L.CallByParam(lua.P{Fn: f, NRet: nret, Protect: true}, args...); err != nil {
		return lua.LNil, fmt.Errorf("plugin %q: %s(): %w", in.plugin.Manifest.UUID, fn, err)
	}
	if nret == 0 {
		return lua.LNil, nil
	}
	ret := in.L.Get(-nret)
	in.L.Pop(nret)
	return ret, nil
}

// hasHook reports whether the script defines the named global function.
func (in *Instance) hasHook(fn string) bool {
	return in.L.GetGlobal(fn) != lua.LNil
}

// ApplyMove advances the game with slotIndex's move. A string returned from
// apply_move marks the move as a protocol violation and is surfaced wrapping
// game.ErrInvalidMove.
func (in *Instance) ApplyMove(slotIndex int, move game.Move) error {
	ret, err := in.call("apply_move", 1, in.state, lua.LNumber(slotIndex+1), goToLua(in.L, map[string]any(move)))
	if err != nil {
		return err
	}
	if msg, ok := ret.(lua.LString); ok {
		return fmt.Errorf("%w: %s", game.ErrInvalidMove, string(msg))
	}
	return nil
}

// Status reports whether the game accepts further moves.
func (in *Instance) Status() game.Status {
	ret, err := in.call("status", 1, in.state)
	if err != nil {
		// A broken status hook cannot keep the room spinning.
		return game.StatusFinished
	}
	if ret == lua.LString("finished") {
		return game.StatusFinished
	}
	return game.StatusRunning
}

// ActiveSlot returns the 0-based slot whose move is expected next.
func (in *Instance) ActiveSlot() int {
	ret, err := in.call("active_slot", 1, in.state)
	if err != nil {
		return 0
	}
	n, ok := ret.(lua.LNumber)
	if !ok || int(n) < 1 {
		return 0
	}
	return int(n) - 1
}

// Result builds the regular match result from player_scores() and the
// optional winner() hook. DisplayNames are left empty; the owning room fills
// them from its slot table.
func (in *Instance) Result() (*game.Result, error) {
	ret, err := in.call("player_scores", 1, in.state)
	if err != nil {
		return nil, err
	}
	scores, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("plugin %q: player_scores() must return a table", in.plugin.Manifest.UUID)
	}

	def := in.plugin.Manifest.ScoreDefinition
	players := make([]game.PlayerResult, 0, in.plugin.Manifest.Players)
	var convErr error
	scores.ForEach(func(_, row lua.LValue) {
		rowTable, ok := row.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("plugin %q: player_scores() row is not a table", in.plugin.Manifest.UUID)
			return
		}
		values := make([]*big.Rat, 0, len(def))
		rowTable.ForEach(func(_, cell lua.LValue) {
			n, ok := cell.(lua.LNumber)
			if !ok {
				convErr = fmt.Errorf("plugin %q: score value %s is not a number", in.plugin.Manifest.UUID, cell.Type())
				return
			}
			r, err := numberToRat(n)
			if err != nil {
				convErr = fmt.Errorf("plugin %q: %w", in.plugin.Manifest.UUID, err)
				return
			}
			values = append(values, r)
		})
		players = append(players, game.PlayerResult{Cause: game.CauseRegular, Values: values})
	})
	if convErr != nil {
		return nil, convErr
	}
	for i, p := range players {
		if len(p.Values) != len(def) {
			return nil, fmt.Errorf("plugin %q: slot %d reported %d values for %d fragments",
				in.plugin.Manifest.UUID, i, len(p.Values), len(def))
		}
	}

	winner := -1
	if in.hasHook("winner") {
		ret, err := in.call("winner", 1, in.state)
		if err != nil {
			return nil, err
		}
		if n, ok := ret.(lua.LNumber); ok && int(n) >= 1 && int(n) <= len(players) {
			winner = int(n) - 1
		}
	}

	return &game.Result{
		Definition: def,
		Players:    players,
		Winner:     winner,
		Regular:    true,
	}, nil
}

// LoadFromFile replaces the current state with one recorded in a saved-game
// file. Turn <= 0 selects the first recorded state.
func (in *Instance) LoadFromFile(path string, turn int) error {
	if !in.hasHook("load_state") {
		return fmt.Errorf("plugin %q: script does not support state loading", in.plugin.Manifest.UUID)
	}
	saved, err := loadSavedState(path, turn)
	if err != nil {
		return err
	}
	_, err = in.call("load_state", 0, in.state, goToLua(in.L, saved))
	return err
}

// LoadGameInfo hands out-of-band prepared-game information to the script.
// Scripts without a load_game_info hook silently ignore it.
func (in *Instance) LoadGameInfo(info any) error {
	if !in.hasHook("load_game_info") {
		return nil
	}
	_, err := in.call("load_game_info", 0, in.state, goToLua(in.L, info))
	return err
}

// StateSnapshot returns a deep copy of the game state as plain Go data.
func (in *Instance) StateSnapshot() map[string]any {
	if m, ok := luaToGo(in.state).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Close releases the Lua VM. Safe to call more than once.
func (in *Instance) Close() {
	if in.closed {
		return
	}
	in.closed = true
	in.budget.cancel()
	in.L.Close()
}
