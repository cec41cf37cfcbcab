package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Rechenmaschine/backend/internal/game"
	"github.com/Rechenmaschine/backend/internal/orchestrator"
	"github.com/Rechenmaschine/backend/internal/plugin"
	"github.com/Rechenmaschine/backend/internal/room"
	"github.com/Rechenmaschine/backend/internal/score"
)

// countdown is a two-move game: each player steps once, the second mover wins.
const countdownScript = `
function init()
  return { counter = 2, active = 1, last = 0 }
end

function apply_move(state, slot, move)
  if slot ~= state.active then
    return "out of turn"
  end
  if move.step ~= 1 then
    return "step must be 1"
  end
  state.counter = state.counter - 1
  state.last = slot
  state.active = 3 - slot
end

function status(state)
  if state.counter == 0 then
    return "finished"
  end
  return "running"
end

function active_slot(state)
  return state.active
end

function winner(state)
  if state.counter > 0 then
    return nil
  end
  return state.last
end

function player_scores(state)
  local scores = {}
  for slot = 1, 2 do
    if winner(state) == slot then
      scores[slot] = { 2 }
    else
      scores[slot] = { 0 }
    end
  end
  return scores
end

function load_state(state, saved)
  state.counter = saved.counter
  state.active = saved.active
  state.last = saved.last or 0
end
`

const countdownManifest = `
plugin:
  uuid: countdown
  name: Countdown
  players: 2
  score_definition:
    - name: siegpunkte
      aggregation: sum
      relevant_for_ranking: true
`

func newTestRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "countdown")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(countdownManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game.lua"), []byte(countdownScript), 0o644))

	r := plugin.NewRegistry(root, zap.NewNop())
	require.NoError(t, r.Reload())
	return r
}

func testOptions() orchestrator.Options {
	return orchestrator.Options{
		RoomConfig: room.Config{
			SoftTimeout: 5 * time.Second,
			HardTimeout: 5 * time.Second,
		},
	}
}

func newTestOrchestrator(t *testing.T, opts orchestrator.Options) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(newTestRegistry(t), score.NewLedger(zap.NewNop()), zap.NewNop(), opts)
	t.Cleanup(o.Shutdown)
	return o
}

type testClient struct {
	name string
	// silent clients never answer; they keep a room alive for directory tests
	silent bool
}

func (c *testClient) Name() string { return c.name }

func (c *testClient) RequestMove(ctx context.Context, _ map[string]any) (game.Move, error) {
	if c.silent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return game.Move{"step": 1}, nil
}

func (c *testClient) Notify(room.Event) {}

func waitRoomGone(t *testing.T, o *orchestrator.Orchestrator, roomID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := o.FindRoom(roomID)
		return err != nil
	}, 3*time.Second, 10*time.Millisecond, "room %s was never retired", roomID)
}

func TestOrchestratorCreateGameUnknownType(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	_, err := o.CreateGame("chess", false)
	require.ErrorIs(t, err, orchestrator.ErrUnknownGameType)
	assert.Contains(t, err.Error(), "countdown", "the error names the known types")
	assert.Equal(t, 0, o.RoomCount())
}

func TestOrchestratorCreateGameRegistersRoom(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	rm, err := o.CreateGame("countdown", false)
	require.NoError(t, err)
	assert.Equal(t, 1, o.RoomCount())

	found, err := o.FindRoom(rm.ID())
	require.NoError(t, err)
	assert.Same(t, rm, found)
}

func TestOrchestratorRoomIDsAreUniqueUnderConcurrency(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	const n = 20
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rm, err := o.CreateGame("countdown", false)
			if err != nil {
				t.Error(err)
				return
			}
			ids <- rm.ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate room id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, o.RoomCount())
}

func TestOrchestratorJoinOrCreatePrefersExistingRoom(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	joined, err := o.JoinOrCreateGame(&testClient{name: "alice", silent: true}, "countdown")
	require.NoError(t, err)
	assert.True(t, joined)
	require.Equal(t, 1, o.RoomCount())
	first := o.Games()[0]

	joined, err = o.JoinOrCreateGame(&testClient{name: "bob", silent: true}, "countdown")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, 1, o.RoomCount(), "the second client fills the existing room")
	assert.Equal(t, room.Running, first.State())

	// the first room is running and full, so a third client opens a new one
	joined, err = o.JoinOrCreateGame(&testClient{name: "carol", silent: true}, "countdown")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, 2, o.RoomCount())
}

func TestOrchestratorGamesKeepCreationOrder(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	a, err := o.CreateGame("countdown", false)
	require.NoError(t, err)
	b, err := o.CreateGame("countdown", false)
	require.NoError(t, err)

	games := o.Games()
	require.Len(t, games, 2)
	assert.Equal(t, a.ID(), games[0].ID())
	assert.Equal(t, b.ID(), games[1].ID())

	o.Remove(a)
	games = o.Games()
	require.Len(t, games, 1)
	assert.Equal(t, b.ID(), games[0].ID())
}

func TestOrchestratorFindRoomUnknown(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	_, err := o.FindRoom("does-not-exist")
	assert.ErrorIs(t, err, orchestrator.ErrRoomNotFound)
}

func TestOrchestratorRemoveIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	rm, err := o.CreateGame("countdown", false)
	require.NoError(t, err)

	o.Remove(rm)
	o.Remove(rm)
	assert.Equal(t, 0, o.RoomCount())
}

func TestOrchestratorPrepareGame(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	roomID, tokens, err := o.PrepareGame("countdown", []room.Descriptor{
		{DisplayName: "player one", CanTimeout: true},
		{DisplayName: "player two", CanTimeout: true},
	}, nil)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])

	rm, err := o.FindRoom(roomID)
	require.NoError(t, err)
	assert.True(t, rm.Prepared())
	require.Len(t, rm.Slots(), 2)
	assert.Equal(t, "player one", rm.Slots()[0].DisplayName())
	assert.Equal(t, room.SlotReserved, rm.Slots()[0].State())
}

func TestOrchestratorPrepareGameNeedsTwoDescriptors(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	_, _, err := o.PrepareGame("countdown", []room.Descriptor{
		{DisplayName: "solo", CanTimeout: true},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, o.RoomCount())
}

func TestOrchestratorPrepareGameUnknownType(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	_, _, err := o.PrepareGame("chess", []room.Descriptor{
		{DisplayName: "player one", CanTimeout: true},
		{DisplayName: "player two", CanTimeout: true},
	}, nil)
	assert.ErrorIs(t, err, orchestrator.ErrUnknownGameType)
	assert.Equal(t, 0, o.RoomCount())
}

func TestOrchestratorTestModeFeedsLedgerAndRetiresRoom(t *testing.T) {
	opts := testOptions()
	opts.TestMode = true
	o := newTestOrchestrator(t, opts)

	rm, err := o.CreateGame("countdown", false)
	require.NoError(t, err)
	roomID := rm.ID()

	require.True(t, rm.Join(&testClient{name: "alice"}))
	require.True(t, rm.Join(&testClient{name: "bob"}))

	waitRoomGone(t, o, roomID)

	// bob moved last and wins the two-move countdown
	rec, ok := o.Ledger().Record("bob")
	require.True(t, ok)
	assert.Equal(t, 1, rec.NumberOfTests)
	assert.Equal(t, "2", rec.Values()[0].RatString())

	rec, ok = o.Ledger().Record("alice")
	require.True(t, ok)
	assert.Equal(t, "0", rec.Values()[0].RatString())
}

func TestOrchestratorLedgerAccumulatesAcrossMatches(t *testing.T) {
	opts := testOptions()
	opts.TestMode = true
	o := newTestOrchestrator(t, opts)

	for i := 0; i < 3; i++ {
		rm, err := o.CreateGame("countdown", false)
		require.NoError(t, err)
		require.True(t, rm.Join(&testClient{name: "alice"}))
		require.True(t, rm.Join(&testClient{name: "bob"}))
		waitRoomGone(t, o, rm.ID())
	}

	rec, ok := o.Ledger().Record("bob")
	require.True(t, ok)
	assert.Equal(t, 3, rec.NumberOfTests)
	assert.Equal(t, "6", rec.Values()[0].RatString())
}

type captureSink struct {
	mu      sync.Mutex
	results []capturedMatch
}

type capturedMatch struct {
	roomID   string
	gameType string
	result   *game.Result
}

func (s *captureSink) SaveMatch(_ context.Context, roomID, gameType string, result *game.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, capturedMatch{roomID: roomID, gameType: gameType, result: result})
	return nil
}

func (s *captureSink) snapshot() []capturedMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedMatch(nil), s.results...)
}

func TestOrchestratorArchivesTerminalResults(t *testing.T) {
	sink := &captureSink{}
	opts := testOptions()
	opts.Archive = sink
	o := newTestOrchestrator(t, opts)

	rm, err := o.CreateGame("countdown", false)
	require.NoError(t, err)
	roomID := rm.ID()

	require.True(t, rm.Join(&testClient{name: "alice"}))
	require.True(t, rm.Join(&testClient{name: "bob"}))

	waitRoomGone(t, o, roomID)

	archived := sink.snapshot()
	require.Len(t, archived, 1)
	assert.Equal(t, roomID, archived[0].roomID)
	assert.Equal(t, "countdown", archived[0].gameType)
	assert.True(t, archived[0].result.Regular)
	assert.Equal(t, 1, archived[0].result.Winner)
}

func TestOrchestratorLoadOverrideAppliesToNewRooms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "save.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
game_type: countdown
states:
  - turn: 1
    state:
      counter: 1
      active: 2
      last: 1
`), 0o644))

	opts := testOptions()
	opts.LoadOverride = orchestrator.LoadOverride{Path: path, Turn: 1}
	o := newTestOrchestrator(t, opts)

	rm, err := o.CreateGame("countdown", false)
	require.NoError(t, err)

	snap := rm.Instance().StateSnapshot()
	assert.Equal(t, float64(1), snap["counter"])
	assert.Equal(t, 1, rm.Instance().ActiveSlot())
}

func TestOrchestratorLoadOverrideFailureCreatesNoRoom(t *testing.T) {
	opts := testOptions()
	opts.LoadOverride = orchestrator.LoadOverride{Path: "/does/not/exist.yaml"}
	o := newTestOrchestrator(t, opts)

	_, err := o.CreateGame("countdown", false)
	require.Error(t, err)
	assert.Equal(t, 0, o.RoomCount())
}

func TestOrchestratorAddResultToScoreNeedsTwoPlayers(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	res := &game.Result{
		Definition: score.Definition{{Name: "siegpunkte", Aggregation: score.Sum}},
	}
	err := o.AddResultToScore(res, []score.PlayerScore{score.NewPlayerScore("alice", 1)}, "alice", "bob")
	assert.ErrorIs(t, err, score.ErrInvalidScoreDefinition)
}

func TestOrchestratorShutdownAbortsLiveRooms(t *testing.T) {
	o := newTestOrchestrator(t, testOptions())

	rm, err := o.CreateGame("countdown", false)
	require.NoError(t, err)
	require.True(t, rm.Join(&testClient{name: "alice", silent: true}))
	require.True(t, rm.Join(&testClient{name: "bob", silent: true}))
	require.Equal(t, room.Running, rm.State())

	o.Shutdown()

	select {
	case <-rm.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("aborted room never terminated")
	}
	assert.Equal(t, room.Aborted, rm.State())
}
