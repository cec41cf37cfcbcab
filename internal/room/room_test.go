package room_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Rechenmaschine/backend/internal/game"
	"github.com/Rechenmaschine/backend/internal/room"
	"github.com/Rechenmaschine/backend/internal/score"
)

// fakeInstance is a deterministic two-player game: it finishes after a fixed
// number of applied moves, slots alternate, and the last mover wins.
type fakeInstance struct {
	mu      sync.Mutex
	needed  int
	applied int
	active  int
	closed  bool
}

func newFakeInstance(movesNeeded int) *fakeInstance {
	return &fakeInstance{needed: movesNeeded}
}

func (f *fakeInstance) ApplyMove(slot int, mv game.Move) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bad, ok := mv["bad"].(bool); ok && bad {
		return fmt.Errorf("%w: bad move", game.ErrInvalidMove)
	}
	f.applied++
	f.active = (f.active + 1) % 2
	return nil
}

func (f *fakeInstance) Status() game.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied >= f.needed {
		return game.StatusFinished
	}
	return game.StatusRunning
}

func (f *fakeInstance) ActiveSlot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeInstance) Result() (*game.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	winner := -1
	if f.applied >= f.needed {
		winner = (f.needed - 1) % 2
	}
	return &game.Result{
		Definition: testDef(),
		Players: []game.PlayerResult{
			{Cause: game.CauseRegular, Values: []*big.Rat{big.NewRat(int64(f.applied), 1)}},
			{Cause: game.CauseRegular, Values: []*big.Rat{big.NewRat(int64(f.applied), 1)}},
		},
		Winner:  winner,
		Regular: true,
	}, nil
}

func (f *fakeInstance) LoadFromFile(path string, turn int) error { return nil }
func (f *fakeInstance) LoadGameInfo(info any) error              { return nil }

func (f *fakeInstance) StateSnapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{"applied": f.applied}
}

func (f *fakeInstance) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeInstance) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// scriptClient answers RequestMove with moveFn and records notifications.
type scriptClient struct {
	name   string
	moveFn func(ctx context.Context, state map[string]any) (game.Move, error)

	mu     sync.Mutex
	events []room.Event
}

func (c *scriptClient) Name() string { return c.name }

func (c *scriptClient) RequestMove(ctx context.Context, state map[string]any) (game.Move, error) {
	return c.moveFn(ctx, state)
}

func (c *scriptClient) Notify(e room.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *scriptClient) eventTypes() []room.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]room.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func promptClient(name string) *scriptClient {
	return &scriptClient{name: name, moveFn: func(ctx context.Context, _ map[string]any) (game.Move, error) {
		return game.Move{"ok": true}, nil
	}}
}

func silentClient(name string) *scriptClient {
	return &scriptClient{name: name, moveFn: func(ctx context.Context, _ map[string]any) (game.Move, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func testDef() score.Definition {
	return score.Definition{{Name: "points", Aggregation: score.Sum, RelevantForRanking: true}}
}

func testConfig() room.Config {
	return room.Config{SoftTimeout: 60 * time.Millisecond, HardTimeout: 120 * time.Millisecond}
}

type terminateCapture struct {
	ch chan *game.Result
}

func newTerminateCapture() *terminateCapture {
	return &terminateCapture{ch: make(chan *game.Result, 1)}
}

func (tc *terminateCapture) fn(_ *room.Room, res *game.Result) {
	tc.ch <- res
}

func (tc *terminateCapture) wait(t *testing.T) *game.Result {
	t.Helper()
	select {
	case res := <-tc.ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("room never reported a terminal result")
		return nil
	}
}

func newTestRoom(inst game.Instance, prepared bool, tc *terminateCapture) *room.Room {
	return room.New("room-1", "fake", 2, testDef(), inst, prepared, testConfig(), zap.NewNop(), tc.fn)
}

func waitDone(t *testing.T, r *room.Room) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("room did not terminate")
	}
}

func TestRoomPlaysToRegularFinish(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	alice := promptClient("alice")
	bob := promptClient("bob")

	require.True(t, r.Join(alice))
	assert.Equal(t, room.Open, r.State())
	require.True(t, r.Join(bob))

	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Finished, r.State())
	assert.True(t, res.Regular)
	assert.Equal(t, 1, res.Winner)
	require.Len(t, res.Players, 2)
	assert.Equal(t, "alice", res.Players[0].DisplayName)
	assert.Equal(t, "bob", res.Players[1].DisplayName)
	assert.Equal(t, game.CauseRegular, res.Players[0].Cause)
	assert.True(t, inst.Closed(), "terminal room must close its instance")

	types := alice.eventTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, room.EventGameOver, types[len(types)-1])
	assert.Contains(t, types, room.EventStateChanged)
}

func TestRoomJoinRejectsOverCapacity(t *testing.T) {
	inst := newFakeInstance(100)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	require.True(t, r.Join(silentClient("alice")))
	require.True(t, r.Join(silentClient("bob")))
	assert.False(t, r.Join(silentClient("carol")), "full room must reject further joins")

	r.Abort()
	waitDone(t, r)
}

func TestRoomPreparedRejectsPlainJoin(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, true, tc)

	assert.False(t, r.Join(promptClient("alice")), "prepared rooms admit token holders only")
	r.Abort()
	waitDone(t, r)
}

func TestRoomPreparedReservationFlow(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, true, tc)

	require.NoError(t, r.OpenSlots([]room.Descriptor{
		{DisplayName: "player one", CanTimeout: true},
		{DisplayName: "player two", CanTimeout: true},
	}))
	tokens, err := r.ReserveAllSlots()
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	require.NoError(t, r.JoinWithToken(promptClient("alice"), tokens[0]))
	assert.Equal(t, room.Open, r.State(), "room waits for every seat")
	require.NoError(t, r.JoinWithToken(promptClient("bob"), tokens[1]))

	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Finished, r.State())
	assert.Equal(t, "player one", res.Players[0].DisplayName, "descriptor names win over client names")
	assert.Equal(t, "player two", res.Players[1].DisplayName)
}

func TestRoomJoinWithUnknownTokenFails(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, true, tc)

	require.NoError(t, r.OpenSlots([]room.Descriptor{
		{DisplayName: "player one", CanTimeout: true},
		{DisplayName: "player two", CanTimeout: true},
	}))
	_, err := r.ReserveAllSlots()
	require.NoError(t, err)

	err = r.JoinWithToken(promptClient("mallory"), uuid.New())
	assert.ErrorIs(t, err, room.ErrInvalidReservation)

	r.Abort()
	waitDone(t, r)
}

func TestRoomPausedStartNeedsExplicitStart(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, true, tc)

	require.NoError(t, r.OpenSlots([]room.Descriptor{
		{DisplayName: "player one", CanTimeout: true, ShouldPause: true},
		{DisplayName: "player two", CanTimeout: true},
	}))
	tokens, err := r.ReserveAllSlots()
	require.NoError(t, err)

	require.NoError(t, r.JoinWithToken(promptClient("alice"), tokens[0]))
	require.NoError(t, r.JoinWithToken(promptClient("bob"), tokens[1]))
	assert.Equal(t, room.Open, r.State(), "paused room must not start on its own")

	require.NoError(t, r.Start())
	tc.wait(t)
	waitDone(t, r)
	assert.Equal(t, room.Finished, r.State())
}

func TestRoomStartRequiresFullBinding(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, true, tc)

	require.NoError(t, r.OpenSlots([]room.Descriptor{
		{DisplayName: "player one", CanTimeout: true, ShouldPause: true},
		{DisplayName: "player two", CanTimeout: true},
	}))
	tokens, err := r.ReserveAllSlots()
	require.NoError(t, err)
	require.NoError(t, r.JoinWithToken(promptClient("alice"), tokens[0]))

	assert.Error(t, r.Start())

	r.Abort()
	waitDone(t, r)
}

func TestRoomViolationForfeitsMatch(t *testing.T) {
	inst := newFakeInstance(100)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	cheater := &scriptClient{name: "mallory", moveFn: func(ctx context.Context, _ map[string]any) (game.Move, error) {
		return game.Move{"bad": true}, nil
	}}
	honest := promptClient("bob")

	require.True(t, r.Join(cheater))
	require.True(t, r.Join(honest))

	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Aborted, r.State())
	assert.False(t, res.Regular)
	assert.Equal(t, 1, res.Winner, "the match goes to the remaining player")
	assert.Equal(t, game.CauseViolated, res.Players[0].Cause)
	assert.Contains(t, res.Players[0].Reason, "bad move")
	assert.Equal(t, game.CauseRegular, res.Players[1].Cause)
	assert.Contains(t, cheater.eventTypes(), room.EventViolation)
}

func TestRoomSoftTimeoutIsRecoverable(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	var once sync.Once
	slow := &scriptClient{name: "alice"}
	slow.moveFn = func(ctx context.Context, _ map[string]any) (game.Move, error) {
		var delayed bool
		once.Do(func() { delayed = true })
		if delayed {
			// past the soft deadline, inside the hard grace
			select {
			case <-time.After(90 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return game.Move{"ok": true}, nil
	}

	require.True(t, r.Join(slow))
	require.True(t, r.Join(promptClient("bob")))

	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Finished, r.State())
	assert.True(t, res.Regular)
	assert.Equal(t, game.CauseSoftTimeout, res.Players[0].Cause,
		"a recovered soft timeout still shows up in the result")
	assert.Contains(t, slow.eventTypes(), room.EventSoftTimeout)
}

func TestRoomHardTimeoutForfeitsMatch(t *testing.T) {
	inst := newFakeInstance(100)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	require.True(t, r.Join(silentClient("alice")))
	require.True(t, r.Join(promptClient("bob")))

	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Aborted, r.State())
	assert.False(t, res.Regular)
	assert.Equal(t, 1, res.Winner)
	assert.Equal(t, game.CauseHardTimeout, res.Players[0].Cause)
}

func TestRoomClientErrorForfeitsWithoutBlame(t *testing.T) {
	inst := newFakeInstance(100)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	flaky := &scriptClient{name: "alice", moveFn: func(ctx context.Context, _ map[string]any) (game.Move, error) {
		return nil, errors.New("connection reset")
	}}

	require.True(t, r.Join(flaky))
	require.True(t, r.Join(promptClient("bob")))

	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Aborted, r.State())
	assert.Equal(t, 1, res.Winner)
	assert.Equal(t, game.CauseLeft, res.Players[0].Cause)
}

func TestRoomLeaveDuringOwnTurnForfeitsWithoutBlame(t *testing.T) {
	inst := newFakeInstance(100)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	waiting := make(chan struct{})
	var once sync.Once
	leaver := &scriptClient{name: "alice"}
	leaver.moveFn = func(ctx context.Context, _ map[string]any) (game.Move, error) {
		once.Do(func() { close(waiting) })
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.True(t, r.Join(leaver))
	require.True(t, r.Join(promptClient("bob")))

	select {
	case <-waiting:
	case <-time.After(3 * time.Second):
		t.Fatal("room never asked the leaver for a move")
	}

	start := time.Now()
	r.Leave(leaver)
	res := tc.wait(t)
	waitDone(t, r)

	assert.Less(t, time.Since(start), testConfig().SoftTimeout,
		"leaving must interrupt the move wait instead of running out the deadlines")
	assert.Equal(t, room.Aborted, r.State())
	assert.Equal(t, 1, res.Winner)
	assert.Equal(t, game.CauseLeft, res.Players[0].Cause)
	assert.Equal(t, game.CauseRegular, res.Players[1].Cause)
}

func TestRoomLeaveBeforeStartFreesTheSeat(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	alice := promptClient("alice")
	require.True(t, r.Join(alice))
	require.Len(t, r.Slots(), 1)

	r.Leave(alice)
	assert.Empty(t, r.Slots(), "a first-come seat is discarded on leave")
	assert.Equal(t, room.Open, r.State())

	require.True(t, r.Join(promptClient("carol")))
	require.True(t, r.Join(promptClient("dave")))
	tc.wait(t)
	waitDone(t, r)
	assert.Equal(t, room.Finished, r.State())
}

func TestRoomAbortWhileOpen(t *testing.T) {
	inst := newFakeInstance(4)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	r.Abort()
	waitDone(t, r)
	assert.Equal(t, room.Aborted, r.State())
	assert.True(t, inst.Closed())
}

func TestRoomAbortWhileRunning(t *testing.T) {
	inst := newFakeInstance(100)
	tc := newTerminateCapture()
	r := newTestRoom(inst, false, tc)

	require.True(t, r.Join(silentClient("alice")))
	require.True(t, r.Join(silentClient("bob")))

	r.Abort()
	res := tc.wait(t)
	waitDone(t, r)

	assert.Equal(t, room.Aborted, r.State())
	assert.False(t, res.Regular)
	assert.Equal(t, -1, res.Winner)
}
