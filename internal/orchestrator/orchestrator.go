// Package orchestrator is the top-level room directory: it creates rooms via
// the plugin registry, tracks all live rooms, routes join and reservation
// requests, retires terminated rooms, and forwards completed test-match
// results into the score ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rechenmaschine/backend/internal/game"
	"github.com/Rechenmaschine/backend/internal/plugin"
	"github.com/Rechenmaschine/backend/internal/room"
	"github.com/Rechenmaschine/backend/internal/score"
)

// ErrUnknownGameType is returned when the requested identifier is not in the
// plugin registry. The message lists the known identifiers for diagnostics.
var ErrUnknownGameType = errors.New("unknown game type")

// ErrRoomNotFound is returned for stale or invalid room identifiers.
var ErrRoomNotFound = errors.New("room not found")

// LoadOverride is the process-wide state-import directive. When Path is
// non-empty, every newly created room loads its game state from that file;
// Turn 0 means the first recorded state. Read once at room creation, not
// per-room configurable.
type LoadOverride struct {
	Path string
	Turn int
}

// ResultSink archives terminal match results, e.g. into the postgres match
// archive. Optional.
type ResultSink interface {
	SaveMatch(ctx context.Context, roomID, gameType string, result *game.Result) error
}

// Options configures an Orchestrator.
type Options struct {
	// RoomConfig holds the move deadline settings handed to every room.
	RoomConfig room.Config
	// LoadOverride, if set, is applied to every new room.
	LoadOverride LoadOverride
	// TestMode enables score-ledger accumulation of finished matches.
	TestMode bool
	// Archive, if non-nil, receives every terminal result.
	Archive ResultSink
}

// Orchestrator owns the identifier→room mapping and the score ledger
// wiring. All exported operations are safe for concurrent use; the
// directory lock never extends into room internals, so a slow room cannot
// block unrelated creations or joins.
type Orchestrator struct {
	registry *plugin.Registry
	ledger   *score.Ledger
	logger   *zap.Logger
	opts     Options

	mu    sync.Mutex
	rooms map[string]*room.Room
	order []string
}

// New creates an Orchestrator. The registry must already be reloaded;
// reloading it while rooms are live is undefined.
//
// Precondition: registry, ledger, and logger must be non-nil.
func New(registry *plugin.Registry, ledger *score.Ledger, logger *zap.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		ledger:   ledger,
		logger:   logger,
		opts:     opts,
		rooms:    make(map[string]*room.Room),
	}
}

// CreateGame constructs, registers, and returns a fresh room of gameType.
// prepared=false opens seats lazily as clients join; prepared=true expects
// the caller to configure slots before any join.
//
// Postcondition: On nil error the returned room is registered under a
// globally unique identifier; on error no room is registered.
func (o *Orchestrator) CreateGame(gameType string, prepared bool) (*room.Room, error) {
	return o.createRoom(gameType, prepared, 0)
}

// createRoom builds a room. capacity <= 0 uses the plugin manifest's player
// count; prepared rooms sized by their descriptors pass an explicit one.
func (o *Orchestrator) createRoom(gameType string, prepared bool, capacity int) (*room.Room, error) {
	p, ok := o.registry.Get(gameType)
	if !ok {
		o.logger.Warn("no plugin for requested game type", zap.String("game_type", gameType))
		return nil, fmt.Errorf("%w: %q (known types: %s)",
			ErrUnknownGameType, gameType, strings.Join(o.registry.UUIDs(), ", "))
	}

	instance, err := p.CreateInstance()
	if err != nil {
		return nil, fmt.Errorf("creating %q instance: %w", gameType, err)
	}

	if o.opts.LoadOverride.Path != "" {
		o.logger.Info("loading game state for new room",
			zap.String("file", o.opts.LoadOverride.Path),
			zap.Int("turn", o.opts.LoadOverride.Turn),
		)
		if err := instance.LoadFromFile(o.opts.LoadOverride.Path, o.opts.LoadOverride.Turn); err != nil {
			instance.Close()
			return nil, fmt.Errorf("loading game state: %w", err)
		}
	}

	if capacity <= 0 {
		capacity = p.Manifest.Players
	}
	id := uuid.New().String()
	rm := room.New(id, gameType, capacity, p.Manifest.ScoreDefinition, instance,
		prepared, o.opts.RoomConfig, o.logger, o.onRoomTerminated)

	o.mu.Lock()
	o.rooms[id] = rm
	o.order = append(o.order, id)
	o.mu.Unlock()

	o.logger.Info("created game room",
		zap.String("room", id),
		zap.String("game_type", gameType),
		zap.Bool("prepared", prepared),
	)
	return rm, nil
}

// CreateAndJoinGame creates a room and binds client to an open seat. A room
// can exist with zero bound clients if the bind fails; the caller decides
// about cleanup.
func (o *Orchestrator) CreateAndJoinGame(c room.Client, gameType string) (bool, error) {
	rm, err := o.CreateGame(gameType, false)
	if err != nil {
		return false, err
	}
	return rm.Join(c), nil
}

// JoinOrCreateGame binds client to the first live room that accepts it,
// scanning in creation order so behavior is reproducible. Only when no room
// accepts is a new one created.
func (o *Orchestrator) JoinOrCreateGame(c room.Client, gameType string) (bool, error) {
	for _, rm := range o.Games() {
		if rm.GameType() != gameType {
			continue
		}
		if rm.Join(c) {
			return true, nil
		}
	}
	return o.CreateAndJoinGame(c, gameType)
}

// PrepareGame creates a prepared room with exactly one seat per descriptor
// and issues one reservation token per seat, in input order. loadGameInfo,
// if non-nil, is handed to the game-logic instance out of band.
//
// Postcondition: Returns the room identifier and len(descriptors) tokens,
// or an error with no room left registered.
func (o *Orchestrator) PrepareGame(gameType string, descriptors []room.Descriptor, loadGameInfo any) (string, []uuid.UUID, error) {
	if len(descriptors) < 2 {
		return "", nil, fmt.Errorf("prepare needs at least 2 slot descriptors, got %d", len(descriptors))
	}

	rm, err := o.createRoom(gameType, true, len(descriptors))
	if err != nil {
		return "", nil, err
	}

	if err := rm.OpenSlots(descriptors); err != nil {
		o.discard(rm)
		return "", nil, err
	}
	tokens, err := rm.ReserveAllSlots()
	if err != nil {
		o.discard(rm)
		return "", nil, err
	}
	if loadGameInfo != nil {
		if err := rm.Instance().LoadGameInfo(loadGameInfo); err != nil {
			o.discard(rm)
			return "", nil, fmt.Errorf("applying load game info: %w", err)
		}
	}
	return rm.ID(), tokens, nil
}

// discard aborts and unregisters a half-constructed room.
func (o *Orchestrator) discard(rm *room.Room) {
	o.Remove(rm)
	rm.Abort()
}

// FindRoom resolves a room identifier.
func (o *Orchestrator) FindRoom(roomID string) (*room.Room, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rm, ok := o.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return rm, nil
}

// Remove unregisters a room. Safe to call for rooms already absent.
func (o *Orchestrator) Remove(rm *room.Room) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.rooms[rm.ID()]; !ok {
		return
	}
	delete(o.rooms, rm.ID())
	for i, id := range o.order {
		if id == rm.ID() {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.logger.Debug("removed room", zap.String("room", rm.ID()))
}

// Games returns the live rooms in creation order. The slice is a copy;
// callers cannot mutate the directory through it.
func (o *Orchestrator) Games() []*room.Room {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*room.Room, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.rooms[id])
	}
	return out
}

// RoomCount returns the number of live rooms.
func (o *Orchestrator) RoomCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rooms)
}

// Ledger exposes the score ledger for external reporting.
func (o *Orchestrator) Ledger() *score.Ledger { return o.ledger }

// AddResultToScore folds one finished test match into the ledger. A
// same-name pairing is logged by the ledger and skipped without error; a
// structural mismatch fails with score.ErrInvalidScoreDefinition and leaves
// the ledger untouched.
//
// Precondition: players must carry at least two entries, ordered to match
// name1 and name2.
func (o *Orchestrator) AddResultToScore(result *game.Result, players []score.PlayerScore, name1, name2 string) error {
	if len(players) < 2 {
		return fmt.Errorf("%w: result carries %d player scores", score.ErrInvalidScoreDefinition, len(players))
	}
	return o.ledger.AddResult(result.Definition, name1, name2, players[0].Values, players[1].Values)
}

// onRoomTerminated is each room's terminal callback: score the match in
// test mode, archive it if configured, then retire the room.
func (o *Orchestrator) onRoomTerminated(rm *room.Room, result *game.Result) {
	if o.opts.TestMode && len(result.Players) >= 2 {
		players := result.PlayerScores()
		err := o.AddResultToScore(result, players, players[0].DisplayName, players[1].DisplayName)
		if err != nil {
			o.logger.Error("recording match result in ledger",
				zap.String("room", rm.ID()),
				zap.Error(err),
			)
		}
	}

	if o.opts.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.opts.Archive.SaveMatch(ctx, rm.ID(), rm.GameType(), result); err != nil {
			o.logger.Error("archiving match result",
				zap.String("room", rm.ID()),
				zap.Error(err),
			)
		}
	}

	o.Remove(rm)
}

// Shutdown aborts every live room. Terminal callbacks still run and retire
// the rooms as they finish.
func (o *Orchestrator) Shutdown() {
	for _, rm := range o.Games() {
		rm.Abort()
	}
}
