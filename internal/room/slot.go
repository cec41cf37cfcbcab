package room

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SlotState is the lifecycle of one seat in a room.
//
// Unreserved → Reserved (token issued) → Bound (client attached) → Unbound
// (client detached, token retained so the same client can rebind).
type SlotState int

const (
	SlotUnreserved SlotState = iota
	SlotReserved
	SlotBound
	SlotUnbound
)

// String returns a human-readable slot state label.
func (s SlotState) String() string {
	switch s {
	case SlotUnreserved:
		return "unreserved"
	case SlotReserved:
		return "reserved"
	case SlotBound:
		return "bound"
	case SlotUnbound:
		return "unbound"
	default:
		return "unknown"
	}
}

// ErrInvalidReservation is returned when a reservation token matches no slot
// or the slot is already bound.
var ErrInvalidReservation = errors.New("invalid reservation")

// Descriptor configures one slot of a prepared room.
type Descriptor struct {
	// DisplayName is the seat's player name; for first-come slots it is the
	// joining client's name.
	DisplayName string
	// CanTimeout enables the move deadline monitor for this seat. Disabled
	// for human-driven debugging clients.
	CanTimeout bool
	// ShouldPause marks seats whose room starts paused for step-by-step
	// observation.
	ShouldPause bool
}

// Slot is a named seat in a room. At most one live client binds to a slot at
// a time. The fault flags are monotonic: once set they never clear, and they
// gate whether the room keeps waiting on this seat.
//
// A Slot carries no lock of its own; the owning room's mutex guards it.
type Slot struct {
	desc        Descriptor
	state       SlotState
	reservation uuid.UUID
	client      Client

	violated        bool
	violationReason string
	left            bool
	softTimeout     bool
	hardTimeout     bool
}

// NewSlot creates an unreserved slot for the given descriptor.
func NewSlot(desc Descriptor) *Slot {
	return &Slot{desc: desc}
}

// Descriptor returns the slot's configuration.
func (s *Slot) Descriptor() Descriptor { return s.desc }

// State returns the current slot state.
func (s *Slot) State() SlotState { return s.state }

// Client returns the bound client, or nil.
func (s *Slot) Client() Client { return s.client }

// Reservation returns the issued token, or uuid.Nil before Reserve.
func (s *Slot) Reservation() uuid.UUID { return s.reservation }

// DisplayName returns the effective player name of the seat.
func (s *Slot) DisplayName() string {
	if s.desc.DisplayName != "" {
		return s.desc.DisplayName
	}
	if s.client != nil {
		return s.client.Name()
	}
	return ""
}

// Reserve issues the slot's reservation token.
//
// Postcondition: State is SlotReserved and the returned token is non-nil,
// or an error if the slot already left SlotUnreserved.
func (s *Slot) Reserve() (uuid.UUID, error) {
	if s.state != SlotUnreserved {
		return uuid.Nil, fmt.Errorf("cannot reserve %s slot %q", s.state, s.DisplayName())
	}
	s.reservation = uuid.New()
	s.state = SlotReserved
	return s.reservation, nil
}

// Bind attaches a client to a first-come slot.
//
// Precondition: c must be non-nil.
// Postcondition: State is SlotBound, or an error if the slot is reserved for
// a token holder or already bound.
func (s *Slot) Bind(c Client) error {
	switch s.state {
	case SlotUnreserved:
		s.client = c
		s.state = SlotBound
		return nil
	case SlotReserved, SlotUnbound:
		return fmt.Errorf("slot %q requires its reservation token", s.DisplayName())
	default:
		return fmt.Errorf("slot %q is already bound", s.DisplayName())
	}
}

// BindWithToken attaches a client holding the slot's reservation token.
// Rebinding an unbound slot with the retained token is allowed, so a
// disconnected client can return to its seat.
//
// Precondition: c must be non-nil.
// Postcondition: State is SlotBound, or ErrInvalidReservation.
func (s *Slot) BindWithToken(c Client, token uuid.UUID) error {
	if token == uuid.Nil || token != s.reservation {
		return fmt.Errorf("%w: token does not match slot %q", ErrInvalidReservation, s.DisplayName())
	}
	if s.state != SlotReserved && s.state != SlotUnbound {
		return fmt.Errorf("%w: slot %q is %s", ErrInvalidReservation, s.DisplayName(), s.state)
	}
	s.client = c
	s.state = SlotBound
	return nil
}

// Unbind detaches the client, keeping the reservation token for rebinding.
//
// Postcondition: State is SlotUnbound if a client was attached; no-op otherwise.
func (s *Slot) Unbind() {
	if s.state != SlotBound {
		return
	}
	s.client = nil
	s.state = SlotUnbound
}

// MarkViolated records a protocol violation. One-way.
func (s *Slot) MarkViolated(reason string) {
	if !s.violated {
		s.violated = true
		s.violationReason = reason
	}
}

// MarkLeft records a voluntary disconnect. One-way.
func (s *Slot) MarkLeft() { s.left = true }

// MarkSoftTimeout records a first missed move deadline. One-way. A seat that
// already left is no longer on the clock, so the mark is ignored.
func (s *Slot) MarkSoftTimeout() {
	if !s.left {
		s.softTimeout = true
	}
}

// MarkHardTimeout records a fatal missed move deadline. One-way. A seat that
// already left is no longer on the clock, so the mark is ignored.
func (s *Slot) MarkHardTimeout() {
	if !s.left {
		s.hardTimeout = true
	}
}

// Violated reports whether the seat sent a structurally invalid move.
func (s *Slot) Violated() bool { return s.violated }

// ViolationReason returns the recorded violation detail, if any.
func (s *Slot) ViolationReason() string { return s.violationReason }

// Left reports whether the seat's client disconnected voluntarily.
func (s *Slot) Left() bool { return s.left }

// SoftTimedOut reports whether the seat missed a move deadline once.
func (s *Slot) SoftTimedOut() bool { return s.softTimeout }

// HardTimedOut reports whether the seat missed a fatal move deadline.
func (s *Slot) HardTimedOut() bool { return s.hardTimeout }

// Eligible reports whether the room should still wait on this seat.
func (s *Slot) Eligible() bool {
	return s.state == SlotBound && !s.violated && !s.hardTimeout && !s.left
}

// cause condenses the fault flags into the player's terminal result cause.
func (s *Slot) cause() causeFlags {
	return causeFlags{
		violated:    s.violated,
		left:        s.left,
		softTimeout: s.softTimeout,
		hardTimeout: s.hardTimeout,
	}
}

type causeFlags struct {
	violated    bool
	left        bool
	softTimeout bool
	hardTimeout bool
}
