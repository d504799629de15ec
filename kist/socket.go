package kist

import "math"

const (
	// cellMaxNetworkSize is the on-wire size of one fixed-size link
	// cell, excluding TLS record overhead.
	cellMaxNetworkSize = 514
	// tlsPerCellOverhead is the per-cell TLS record framing cost counted
	// against a socket's writable budget.
	tlsPerCellOverhead = 29
	cellWireSize       = cellMaxNetworkSize + tlsPerCellOverhead
)

// SocketSnapshot is one tick's kernel-reported view of a socket's TCP
// send state, plus the scheduler's derived write budget for this tick.
type SocketSnapshot struct {
	Cwnd     uint32
	Unacked  uint32
	MSS      uint32
	NotSent  uint32
	Limit    int64
	Written  int64
	Degraded bool // true when the kernel probe could not be used
}

// Writable reports whether the socket has room for at least one more
// cell this tick.
func (s *SocketSnapshot) Writable() bool {
	return (s.Limit-s.Written)/cellWireSize > 0
}

// deriveLimit computes limit = tcp_space + extra_space from a raw probe
// result, per the KIST accounting rule.
func deriveLimit(cwnd, unacked, mss, notSent uint32, sockBufSizeFactor float64) int64 {
	tcpSpace := int64(0)
	if cwnd > unacked {
		tcpSpace = int64(cwnd-unacked) * int64(mss)
	}
	extra := int64(math.Round(float64(cwnd)*float64(mss)*sockBufSizeFactor)) - int64(notSent)
	if extra < 0 {
		extra = 0
	}
	return tcpSpace + extra
}

// Prober queries the kernel for one socket's TCP state. Any error from
// Probe puts that socket in degraded mode for the tick rather than
// failing the tick; the non-Linux prober always returns
// ErrKernelUnsupported.
type Prober interface {
	Probe(fd int) (cwnd, unacked, mss, notSent uint32, err error)
}

// refresh updates snap in place from prober for the given fd, falling
// back to the degraded INT_MAX-limit mode on any probe error.
func refresh(snap *SocketSnapshot, prober Prober, fd int, sockBufSizeFactor float64) {
	if prober == nil || fd < 0 {
		*snap = SocketSnapshot{Limit: math.MaxInt64, Degraded: true}
		return
	}
	cwnd, unacked, mss, notSent, err := prober.Probe(fd)
	if err != nil {
		*snap = SocketSnapshot{Limit: math.MaxInt64, Degraded: true}
		return
	}
	*snap = SocketSnapshot{
		Cwnd:    cwnd,
		Unacked: unacked,
		MSS:     mss,
		NotSent: notSent,
		Limit:   deriveLimit(cwnd, unacked, mss, notSent, sockBufSizeFactor),
	}
}
