package plugin

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionBudget caps the Lua opcodes a single hook call may
// execute when the manifest does not override it. Plugins are untrusted
// enough that a runaway script must never stall its room.
const DefaultInstructionBudget = 10_000_000

// opcodeBudget is a context.Context whose Done() cancels itself after a fixed
// number of calls. GopherLua consults Done() once per opcode, which turns the
// budget into a deterministic instruction limit. reset rearms the counter so
// each hook call starts from the full budget; an arbitrarily long legitimate
// match never exhausts it.
type opcodeBudget struct {
	context.Context
	cancel    context.CancelFunc
	limit     int64
	remaining atomic.Int64
}

func (b *opcodeBudget) Done() <-chan struct{} {
	if b.remaining.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

func (b *opcodeBudget) reset() {
	b.remaining.Store(b.limit)
}

// newInstanceState creates the LState backing one game instance:
// only the safe stdlib (base, table, string, math) is opened, globals that
// reach the host process are stripped, and execution is bounded by budget.
//
// Precondition: budget >= 0; 0 selects DefaultInstructionBudget.
// Postcondition: Caller owns the LState and must Close it; the returned
// budget's cancel releases its context.
func newInstanceState(budget int) (*lua.LState, *opcodeBudget) {
	if budget <= 0 {
		budget = DefaultInstructionBudget
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}

	base, cancel := context.WithCancel(context.Background())
	ctx := &opcodeBudget{Context: base, cancel: cancel, limit: int64(budget)}
	ctx.remaining.Store(int64(budget))
	L.SetContext(ctx)

	return L, ctx
}
