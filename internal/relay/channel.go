package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/thatsimonsguy/relayboard/internal/codec"
	"github.com/thatsimonsguy/relayboard/internal/model"
)

// Channel is one relay output on the board. Its index is fixed at
// construction and it belongs to at most one controller.
type Channel struct {
	name  string
	index int

	mu        sync.Mutex
	ctrl      *Controller
	state     model.RelayState
	pending   bool
	requested model.RelayState
	changed   time.Time
	listeners []func(model.RelayState)
}

var _ model.Switch = (*Channel)(nil)

func NewChannel(name string, index int) (*Channel, error) {
	if !codec.ValidRelay(index) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, index)
	}
	return &Channel{
		name:  name,
		index: index,
		state: model.StateUnknown,
	}, nil
}

func (ch *Channel) Name() string {
	return ch.name
}

func (ch *Channel) Index() int {
	return ch.index
}

func (ch *Channel) TurnOn() error {
	return ch.Set(model.StateOn)
}

func (ch *Channel) TurnOff() error {
	return ch.Set(model.StateOff)
}

// Set asks the owning controller to drive the relay to state.
func (ch *Channel) Set(state model.RelayState) error {
	ch.mu.Lock()
	ctrl := ch.ctrl
	ch.mu.Unlock()

	if ctrl == nil {
		return fmt.Errorf("%w: relay %d", ErrNotRegistered, ch.index)
	}
	return ctrl.RequestState(ch.index, state)
}

// State returns the last confirmed state.
func (ch *Channel) State() model.RelayState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) Phase() model.Phase {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.phaseLocked()
}

func (ch *Channel) Status() model.ChannelStatus {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	st := model.ChannelStatus{
		Index:   ch.index,
		Name:    ch.name,
		State:   ch.state,
		Phase:   ch.phaseLocked(),
		Changed: ch.changed,
	}
	if ch.pending {
		st.Requested = ch.requested
	}
	return st
}

// OnStateChange registers fn to be called with the new state whenever the
// confirmed state changes. Calls arrive in confirmation order, after the
// controller has released its locks. When two goroutines confirm changes at
// once, the one already delivering runs fn for both.
func (ch *Channel) OnStateChange(fn func(model.RelayState)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners = append(ch.listeners, fn)
}

func (ch *Channel) phaseLocked() model.Phase {
	switch {
	case ch.pending:
		return model.PhasePending
	case ch.state.Known():
		return model.PhaseConfirmed
	default:
		return model.PhaseUnknown
	}
}

func (ch *Channel) attach(c *Controller) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.ctrl != nil {
		return fmt.Errorf("%w: relay %d", ErrAlreadyRegistered, ch.index)
	}
	ch.ctrl = c
	return nil
}

func (ch *Channel) beginRequest(state model.RelayState) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.pending = true
	ch.requested = state
}

// confirm records a state the hardware accepted and reports whether it
// differs from the previous one.
func (ch *Channel) confirm(state model.RelayState, at time.Time) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.pending = false
	ch.requested = ""
	if ch.state == state {
		return false
	}
	ch.state = state
	ch.changed = at
	return true
}

// revert drops a pending request, leaving the last confirmed state.
func (ch *Channel) revert() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.pending = false
	ch.requested = ""
}

func (ch *Channel) notify(state model.RelayState) {
	ch.mu.Lock()
	listeners := append([]func(model.RelayState){}, ch.listeners...)
	ch.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
