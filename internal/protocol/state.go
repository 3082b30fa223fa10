package protocol

import (
	"fmt"
	"sync/atomic"
)

// State is a server session phase. Phases only move forward.
type State int32

const (
	StateAwaitingAuth State = iota
	StateAwaitingDeviceInfo
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAwaitingDeviceInfo:
		return "awaiting_device_info"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State { return State(m.v.Load()) }

// advance moves from one phase to the next. Any other move is rejected.
func (m *stateMachine) advance(from, to State) error {
	if to != from+1 || to == StateClosed {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	if !m.v.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("transition %s -> %s from %s", from, to, m.load())
	}
	return nil
}

// close moves to Closed from any phase and reports the phase it left.
func (m *stateMachine) close() State {
	return State(m.v.Swap(int32(StateClosed)))
}
