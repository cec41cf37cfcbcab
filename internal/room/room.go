package room

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rechenmaschine/backend/internal/game"
	"github.com/Rechenmaschine/backend/internal/score"
)

// State is the room lifecycle.
type State int

const (
	// Open means the room accepts joins.
	Open State = iota
	// Running means the turn loop is active.
	Running
	// Finished means the match ended with a regular result.
	Finished
	// Aborted means the match ended on a fatal client or plugin fault.
	Aborted
)

// String returns a human-readable state label.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config holds the move deadline settings of a room.
type Config struct {
	// SoftTimeout is the per-move deadline. Missing it is a first,
	// recoverable offense.
	SoftTimeout time.Duration
	// HardTimeout is the additional grace after a missed soft deadline.
	// Missing it too is fatal for the player.
	HardTimeout time.Duration
}

// TerminateFunc receives the room's single terminal result. Called exactly
// once, after the room left Running, from the room's own goroutine.
type TerminateFunc func(r *Room, result *game.Result)

var (
	errHardTimeout = errors.New("hard move timeout")
	errClientGone  = errors.New("client gone")
)

// Room is one live match: a game-logic instance, its ordered slots, and the
// turn loop with its timeout monitor. Room state has its own lock and is
// never protected by the directory's, so a slow room cannot block unrelated
// room creation or joins.
type Room struct {
	id       string
	gameType string
	prepared bool
	capacity int
	def      score.Definition

	cfg         Config
	logger      *zap.Logger
	onTerminate TerminateFunc

	mu        sync.Mutex
	state     State
	slots     []*Slot
	instance  game.Instance
	awaited   int
	interrupt chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Open room owning instance.
//
// Precondition: id and gameType must be non-empty; capacity >= 2; instance
// and logger must be non-nil; cfg timeouts must be > 0.
// Postcondition: Returns an Open room; the caller transfers instance
// ownership to the room.
func New(id, gameType string, capacity int, def score.Definition, instance game.Instance,
	prepared bool, cfg Config, logger *zap.Logger, onTerminate TerminateFunc) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		id:          id,
		gameType:    gameType,
		prepared:    prepared,
		capacity:    capacity,
		def:         def,
		cfg:         cfg,
		logger:      logger.With(zap.String("room", id), zap.String("game_type", gameType)),
		onTerminate: onTerminate,
		instance:    instance,
		awaited:     -1,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// ID returns the room's globally unique identifier.
func (r *Room) ID() string { return r.id }

// GameType returns the game-type identifier the room hosts.
func (r *Room) GameType() string { return r.gameType }

// Prepared reports whether slots were pre-configured before any join.
func (r *Room) Prepared() bool { return r.prepared }

// Instance returns the owned game-logic instance. Callers may only touch it
// while the room is Open (state import before the loop starts).
func (r *Room) Instance() game.Instance { return r.instance }

// State returns the current lifecycle state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Slots returns a snapshot of the slot list. The slots themselves are live;
// callers must treat them as read-only.
func (r *Room) Slots() []*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Done returns a channel closed once the room reached a terminal state.
func (r *Room) Done() <-chan struct{} { return r.done }

// Join binds a client to the first compatible open seat. In a non-prepared
// room seats open lazily as clients arrive, up to capacity; prepared rooms
// only admit token holders. Returns whether the bind succeeded.
func (r *Room) Join(c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Open || r.prepared {
		return false
	}
	if len(r.slots) >= r.capacity {
		return false
	}

	s := NewSlot(Descriptor{DisplayName: c.Name(), CanTimeout: true})
	if err := s.Bind(c); err != nil {
		return false
	}
	r.slots = append(r.slots, s)
	r.logger.Info("client joined",
		zap.String("client", c.Name()),
		zap.Int("bound", r.boundCountLocked()),
		zap.Int("capacity", r.capacity),
	)

	if r.boundCountLocked() == r.capacity {
		r.startLocked()
	}
	return true
}

// JoinWithToken binds a client to the seat its reservation token names.
// Rebinding an unbound seat with the retained token is allowed.
func (r *Room) JoinWithToken(c Client, token uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Finished || r.state == Aborted {
		return fmt.Errorf("%w: room %s is %s", ErrInvalidReservation, r.id, r.state)
	}
	for _, s := range r.slots {
		if s.Reservation() != token {
			continue
		}
		if err := s.BindWithToken(c, token); err != nil {
			return err
		}
		r.logger.Info("reserved seat bound",
			zap.String("client", c.Name()),
			zap.String("seat", s.DisplayName()),
		)
		if r.state == Open && r.boundCountLocked() == len(r.slots) && !r.startsPausedLocked() {
			r.startLocked()
		}
		return nil
	}
	return fmt.Errorf("%w: no seat for token in room %s", ErrInvalidReservation, r.id)
}

// OpenSlots configures the seats of a prepared room, in descriptor order.
//
// Precondition: the room must be prepared, Open, and without slots.
func (r *Room) OpenSlots(descs []Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.prepared {
		return fmt.Errorf("room %s is not prepared", r.id)
	}
	if r.state != Open || len(r.slots) > 0 {
		return fmt.Errorf("room %s already has its slots configured", r.id)
	}
	if len(descs) != r.capacity {
		return fmt.Errorf("room %s needs %d slot descriptors, got %d", r.id, r.capacity, len(descs))
	}
	for _, d := range descs {
		r.slots = append(r.slots, NewSlot(d))
	}
	return nil
}

// ReserveAllSlots issues one reservation token per seat, in slot order.
//
// Postcondition: Returns exactly len(slots) tokens or an error; each token
// binds its seat exactly once at a time.
func (r *Room) ReserveAllSlots() ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := make([]uuid.UUID, 0, len(r.slots))
	for _, s := range r.slots {
		token, err := s.Reserve()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// Start explicitly starts a prepared room whose descriptors requested a
// paused start. All seats must be bound.
func (r *Room) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Open {
		return fmt.Errorf("room %s is %s", r.id, r.state)
	}
	if r.boundCountLocked() != len(r.slots) || len(r.slots) < r.capacity {
		return fmt.Errorf("room %s is not fully bound", r.id)
	}
	r.startLocked()
	return nil
}

// Leave detaches a client. Before the match starts a first-come seat is
// discarded so another client can take it; a reserved seat keeps its token
// for rebinding. During a match the seat is marked as left, which forfeits
// the match without assigning blame.
func (r *Room) Leave(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s.Client() != c {
			continue
		}
		s.Unbind()
		switch r.state {
		case Open:
			if s.Reservation() == uuid.Nil {
				r.slots = append(r.slots[:i], r.slots[i+1:]...)
			}
		case Running:
			s.MarkLeft()
			// Stop the turn loop from waiting out the deadlines for a
			// seat that just gave up its move.
			if i == r.awaited && r.interrupt != nil {
				close(r.interrupt)
				r.interrupt = nil
			}
		}
		r.logger.Info("client left", zap.String("client", c.Name()))
		return
	}
}

// Abort cancels the room. A running room terminates its loop and reports an
// aborted result; a room that never started just closes down.
func (r *Room) Abort() {
	r.mu.Lock()
	if r.state == Open {
		r.state = Aborted
		r.instance.Close()
		r.mu.Unlock()
		r.cancel()
		close(r.done)
		return
	}
	r.mu.Unlock()
	r.cancel()
}

// startLocked transitions Open → Running and launches the turn loop.
// Caller holds r.mu.
func (r *Room) startLocked() {
	r.state = Running
	r.logger.Info("room started", zap.Int("slots", len(r.slots)))
	go r.run()
}

// run drives the turn loop to its single terminal result.
func (r *Room) run() {
	result := r.loop()

	r.mu.Lock()
	if result.Regular {
		r.state = Finished
	} else {
		r.state = Aborted
	}
	r.instance.Close()
	clients := r.boundClientsLocked()
	state := r.state
	r.mu.Unlock()

	r.logger.Info("room terminated",
		zap.String("state", state.String()),
		zap.Bool("regular", result.Regular),
		zap.Int("winner", result.Winner),
	)

	for _, c := range clients {
		c.Notify(Event{Type: EventGameOver, RoomID: r.id, Payload: map[string]any{
			"regular": result.Regular,
			"winner":  result.Winner,
		}})
	}

	if r.onTerminate != nil {
		r.onTerminate(r, result)
	}
	close(r.done)
}

// loop runs turns until the game finishes or too few eligible seats remain.
func (r *Room) loop() *game.Result {
	for {
		if r.ctx.Err() != nil {
			return r.buildResult(-1)
		}
		if r.instance.Status() == game.StatusFinished {
			res, err := r.instance.Result()
			if err != nil {
				r.logger.Error("building regular result", zap.Error(err))
				return r.buildResult(-1)
			}
			r.finalize(res)
			return res
		}
		if r.eligibleCount() < 2 {
			return r.buildResult(r.soleEligible())
		}

		idx := r.instance.ActiveSlot()
		s := r.slot(idx)
		if s == nil {
			r.logger.Error("plugin reported an invalid active slot", zap.Int("slot", idx))
			return r.buildResult(-1)
		}
		if !s.Eligible() {
			// The seat whose move is due can no longer act; the match is
			// decided in favor of whoever remains.
			return r.buildResult(r.soleEligible())
		}

		mv, err := r.awaitMove(idx, s)
		if err != nil {
			if r.ctx.Err() != nil {
				return r.buildResult(-1)
			}
			// Timeout or disconnect flags are already set; the next pass
			// decides whether the match can continue.
			continue
		}

		if err := r.instance.ApplyMove(idx, mv); err != nil {
			if errors.Is(err, game.ErrInvalidMove) {
				r.markViolation(idx, s, err)
				continue
			}
			r.logger.Error("plugin fault while applying move", zap.Int("slot", idx), zap.Error(err))
			return r.buildResult(-1)
		}
		r.broadcastState()
	}
}

// awaitMove requests a move from the seat's client under the room's deadline
// policy. The first missed soft deadline flags the seat and extends the wait
// by the hard grace; a second miss, or missing the grace, is fatal. Leave on
// the awaited seat interrupts the wait immediately.
func (r *Room) awaitMove(idx int, s *Slot) (game.Move, error) {
	r.mu.Lock()
	c := s.Client()
	canTimeout := s.Descriptor().CanTimeout
	alreadySoft := s.SoftTimedOut()
	interrupt := make(chan struct{})
	r.awaited = idx
	r.interrupt = interrupt
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.interrupt == interrupt {
			r.interrupt = nil
		}
		r.awaited = -1
		r.mu.Unlock()
	}()

	if c == nil {
		return nil, errClientGone
	}

	snapshot := r.instance.StateSnapshot()
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	type moveReply struct {
		mv  game.Move
		err error
	}
	ch := make(chan moveReply, 1)
	go func() {
		mv, err := c.RequestMove(ctx, snapshot)
		ch <- moveReply{mv: mv, err: err}
	}()

	if !canTimeout {
		select {
		case rep := <-ch:
			return r.acceptReply(idx, s, rep.mv, rep.err)
		case <-interrupt:
			return nil, errClientGone
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}

	soft := newMoveTimer(r.cfg.SoftTimeout)
	defer soft.Stop()
	select {
	case rep := <-ch:
		return r.acceptReply(idx, s, rep.mv, rep.err)
	case <-interrupt:
		return nil, errClientGone
	case <-soft.Expired():
		if alreadySoft {
			r.markHardTimeout(idx, s)
			return nil, errHardTimeout
		}
		r.markSoftTimeout(idx, s)
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}

	hard := newMoveTimer(r.cfg.HardTimeout)
	defer hard.Stop()
	select {
	case rep := <-ch:
		return r.acceptReply(idx, s, rep.mv, rep.err)
	case <-interrupt:
		return nil, errClientGone
	case <-hard.Expired():
		r.markHardTimeout(idx, s)
		return nil, errHardTimeout
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

// acceptReply folds a RequestMove return into the loop's view: an error
// means the client is gone, which forfeits without blame.
func (r *Room) acceptReply(idx int, s *Slot, mv game.Move, err error) (game.Move, error) {
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, r.ctx.Err()
		}
		r.mu.Lock()
		s.MarkLeft()
		s.Unbind()
		r.mu.Unlock()
		r.logger.Info("client dropped while moving", zap.Int("slot", idx), zap.Error(err))
		return nil, errClientGone
	}
	return mv, nil
}

func (r *Room) markSoftTimeout(idx int, s *Slot) {
	r.mu.Lock()
	s.MarkSoftTimeout()
	c := s.Client()
	r.mu.Unlock()
	r.logger.Warn("soft move timeout", zap.Int("slot", idx), zap.String("player", s.DisplayName()))
	if c != nil {
		c.Notify(Event{Type: EventSoftTimeout, RoomID: r.id})
	}
}

func (r *Room) markHardTimeout(idx int, s *Slot) {
	r.mu.Lock()
	s.MarkHardTimeout()
	r.mu.Unlock()
	r.logger.Warn("hard move timeout", zap.Int("slot", idx), zap.String("player", s.DisplayName()))
}

func (r *Room) markViolation(idx int, s *Slot, err error) {
	r.mu.Lock()
	s.MarkViolated(err.Error())
	c := s.Client()
	r.mu.Unlock()
	r.logger.Warn("move rejected as violation",
		zap.Int("slot", idx),
		zap.String("player", s.DisplayName()),
		zap.Error(err),
	)
	if c != nil {
		c.Notify(Event{Type: EventViolation, RoomID: r.id, Payload: map[string]any{
			"reason": err.Error(),
		}})
	}
}

// broadcastState pushes a fresh snapshot to every bound client.
func (r *Room) broadcastState() {
	snapshot := r.instance.StateSnapshot()
	for _, c := range r.boundClients() {
		c.Notify(Event{Type: EventStateChanged, RoomID: r.id, Payload: snapshot})
	}
}

// buildResult synthesizes a forfeit/abort result: current plugin scores
// where available, zero values otherwise, with per-seat causes from the
// fault flags.
func (r *Room) buildResult(winner int) *game.Result {
	r.mu.Lock()
	slots := make([]*Slot, len(r.slots))
	copy(slots, r.slots)
	r.mu.Unlock()

	values := make([][]*big.Rat, len(slots))
	if res, err := r.instance.Result(); err == nil && len(res.Players) == len(slots) {
		for i, p := range res.Players {
			values[i] = p.Values
		}
	} else {
		for i := range values {
			row := make([]*big.Rat, len(r.def))
			for j := range row {
				row[j] = new(big.Rat)
			}
			values[i] = row
		}
	}

	players := make([]game.PlayerResult, len(slots))
	for i, s := range slots {
		players[i] = game.PlayerResult{
			DisplayName: s.DisplayName(),
			Cause:       causeOf(s.cause()),
			Reason:      s.ViolationReason(),
			Values:      values[i],
		}
	}
	return &game.Result{
		Definition: r.def,
		Players:    players,
		Winner:     winner,
		Regular:    false,
	}
}

// finalize fills seat names and causes into a plugin-built regular result.
func (r *Room) finalize(res *game.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range res.Players {
		if i >= len(r.slots) {
			break
		}
		s := r.slots[i]
		res.Players[i].DisplayName = s.DisplayName()
		res.Players[i].Cause = causeOf(s.cause())
		res.Players[i].Reason = s.ViolationReason()
	}
}

// causeOf ranks the fault flags: a violation outweighs a hard timeout, which
// outweighs leaving, which outweighs a recovered soft timeout.
func causeOf(f causeFlags) game.Cause {
	switch {
	case f.violated:
		return game.CauseViolated
	case f.hardTimeout:
		return game.CauseHardTimeout
	case f.left:
		return game.CauseLeft
	case f.softTimeout:
		return game.CauseSoftTimeout
	default:
		return game.CauseRegular
	}
}

func (r *Room) slot(idx int) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.slots) {
		return nil
	}
	return r.slots[idx]
}

func (r *Room) eligibleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.Eligible() {
			n++
		}
	}
	return n
}

// soleEligible returns the only remaining eligible seat, or -1.
func (r *Room) soleEligible() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	winner := -1
	for i, s := range r.slots {
		if s.Eligible() {
			if winner != -1 {
				return -1
			}
			winner = i
		}
	}
	return winner
}

func (r *Room) boundCountLocked() int {
	n := 0
	for _, s := range r.slots {
		if s.State() == SlotBound {
			n++
		}
	}
	return n
}

func (r *Room) startsPausedLocked() bool {
	for _, s := range r.slots {
		if s.Descriptor().ShouldPause {
			return true
		}
	}
	return false
}

func (r *Room) boundClients() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundClientsLocked()
}

func (r *Room) boundClientsLocked() []Client {
	out := make([]Client, 0, len(r.slots))
	for _, s := range r.slots {
		if c := s.Client(); c != nil {
			out = append(out, c)
		}
	}
	return out
}
