package model

import (
	"fmt"
	"strings"
	"time"
)

type RelayState string

const (
	StateUnknown RelayState = "unknown"
	StateOff     RelayState = "off"
	StateOn      RelayState = "on"
)

// ParseRelayState accepts on/off in any case, plus 1/0 and true/false.
func ParseRelayState(s string) (RelayState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1", "true":
		return StateOn, nil
	case "off", "0", "false":
		return StateOff, nil
	default:
		return StateUnknown, fmt.Errorf("invalid relay state %q", s)
	}
}

func (s RelayState) Known() bool {
	return s == StateOn || s == StateOff
}

type Phase string

const (
	PhaseUnknown   Phase = "unknown"
	PhasePending   Phase = "pending"
	PhaseConfirmed Phase = "confirmed"
)

type AckMode string

const (
	// AckOptimistic confirms a command as soon as its frame is written.
	AckOptimistic AckMode = "optimistic"
	// AckAwait keeps a command pending until the board reports the relay state.
	AckAwait AckMode = "await"
)

// Switch is an on/off output the host can drive.
type Switch interface {
	TurnOn() error
	TurnOff() error
	State() RelayState
}

// Component is driven by the cooperative main loop.
type Component interface {
	Setup() error
	Loop(now time.Time)
}

type ChannelStatus struct {
	Index     int        `json:"relay_number"`
	Name      string     `json:"name"`
	State     RelayState `json:"state"`
	Phase     Phase      `json:"phase"`
	Requested RelayState `json:"requested,omitempty"`
	Changed   time.Time  `json:"last_changed,omitempty"`
}

type ControllerStatus struct {
	Name          string          `json:"name"`
	LinkHealthy   bool            `json:"link_healthy"`
	LastCommandAt time.Time       `json:"last_command_at,omitempty"`
	Channels      []ChannelStatus `json:"channels"`
}
