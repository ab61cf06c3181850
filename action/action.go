// Package action defines the host-facing types shared by package
// transmitter and package receiver: the FSM state enums and the
// callback interfaces a host implements to learn about state changes,
// pairing outcomes, and accepted actions (spec §4.7 "Host actors").
//
// Grounded on protocol/device.go's byte-backed enum style, generalized
// from the teacher's two-value DeviceType to the five- and two-value
// FSM state sets the transmitter and receiver need.
package action

import (
	"fmt"

	"github.com/tommie/openepo/wire"
)

// TransmitterState is one of the transmitter FSM's two states (spec
// §4.4).
type TransmitterState uint8

const (
	TransmitterIdle    TransmitterState = 1
	TransmitterPairing TransmitterState = 2
)

func (s TransmitterState) String() string {
	switch s {
	case TransmitterIdle:
		return "IDLE"
	case TransmitterPairing:
		return "PAIRING"
	default:
		return fmt.Sprintf("TransmitterState(%d)", uint8(s))
	}
}

// ReceiverState is one of the receiver FSM's five states (spec §4.5).
type ReceiverState uint8

const (
	ReceiverStarting    ReceiverState = 1
	ReceiverIdle        ReceiverState = 2
	ReceiverConfiguring ReceiverState = 3
	ReceiverPairing     ReceiverState = 4
	ReceiverUnpairing   ReceiverState = 5
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverStarting:
		return "STARTING"
	case ReceiverIdle:
		return "IDLE"
	case ReceiverConfiguring:
		return "CONFIGURING"
	case ReceiverPairing:
		return "PAIRING"
	case ReceiverUnpairing:
		return "UNPAIRING"
	default:
		return fmt.Sprintf("ReceiverState(%d)", uint8(s))
	}
}

// Action is the decoded payload of an accepted ACT frame, delivered to
// the receiver host (spec §4.7: "act(Action) where Action =
// {interface: InterfaceType, parameters: …}").
type Action struct {
	Interface  wire.InterfaceType
	Parameters []byte
}

// TransmitterHost is the set of callbacks a host implements to observe
// a transmitter FSM (spec §4.7: "Transmitter: state_changed, pairing_changed").
type TransmitterHost interface {
	StateChanged(TransmitterState)
	PairingChanged(paired bool)
}

// ReceiverHost is the set of callbacks a host implements to observe a
// receiver FSM (spec §4.7: "Receiver: state_changed, act").
type ReceiverHost interface {
	StateChanged(ReceiverState)
	Act(Action)
}
