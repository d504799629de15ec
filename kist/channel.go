// Package kist implements a per-socket, kernel-informed fair scheduler
// for cell writes: given many channels with queued cells and writable
// TCP sockets, it decides which channel writes next and how much, so
// that no socket accumulates more data in the kernel than its
// congestion window (plus a small configurable overshoot) can
// immediately send.
package kist

// Channel is the scheduler's view of one connection to a peer. Channel
// lifetime is owned by the caller; the scheduler only holds a
// non-owning reference and must be told via OnChannelFree when one
// goes away.
type Channel interface {
	// ID returns a stable identifier used for tie-breaking and lookup.
	ID() uint64
	// Priority returns the channel's scheduling priority; higher values
	// are served first.
	Priority() int64
	// FD returns the channel's underlying socket file descriptor for the
	// kernel probe, or -1 if the channel has no real socket (tests, or a
	// transport the kernel probe cannot introspect).
	FD() int
	// HasQueuedCells reports whether more cells remain to move into the
	// outbound buffer.
	HasQueuedCells() bool
	// FlushOneCellToOutbuf moves at most one queued cell into the
	// channel's outbound buffer, returning whether one was moved.
	FlushOneCellToOutbuf() bool
	// OutbufLen reports the current byte length of the outbound buffer.
	OutbufLen() int
	// FlushOutbufToKernel writes the entire outbound buffer to the
	// kernel socket.
	FlushOutbufToKernel() error
}

// State is a channel's scheduling state, as tracked by the scheduler.
type State int

const (
	StateIdle State = iota
	StateWaitingForCells
	StateWaitingToWrite
	StatePending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitingForCells:
		return "WAITING_FOR_CELLS"
	case StateWaitingToWrite:
		return "WAITING_TO_WRITE"
	case StatePending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}
