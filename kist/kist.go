package kist

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/torlayer/router/rng"
)

const (
	// DefaultRunInterval is the tick cadence used when neither an
	// explicit option nor a consensus parameter overrides it.
	DefaultRunInterval = 10 * time.Millisecond
	// DefaultSockBufSizeFactor is how many extra congestion-windows of
	// data the scheduler parks in the kernel send buffer between ticks.
	DefaultSockBufSizeFactor = 1.0
	// outbufFlushThreshold is the outbuf byte length at which a channel
	// that lost the CPU to a different channel gets flushed early
	// instead of waiting for the end of the tick.
	outbufFlushThreshold = 8 * cellMaxNetworkSize
)

// Options configures a Scheduler. A zero Options uses the defaults.
type Options struct {
	RunInterval       time.Duration
	SockBufSizeFactor float64
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RunInterval == 0 {
		o.RunInterval = DefaultRunInterval
	}
	if o.SockBufSizeFactor == 0 {
		o.SockBufSizeFactor = DefaultSockBufSizeFactor
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// disabled reports whether KIST is turned off in favor of a vanilla
// scheduler, signaled by a negative run interval.
func (o Options) disabled() bool { return o.RunInterval < 0 }

// Scheduler is the per-process KIST scheduler: one instance owns the
// socket table, outbuf table, and pending priority queue shared across
// every channel it is told about.
type Scheduler struct {
	mu sync.Mutex

	opts   Options
	prober Prober
	weak   *rng.Weak

	pending map[uint64]*pqEntry       // channels_pending, persists across ticks
	sockets map[uint64]*SocketSnapshot // socket table, persists across ticks
	outbuf  map[uint64]Channel         // outbuf table, tick-scoped
	state   map[uint64]State           // last-observed scheduling state, for introspection

	nextServiceSeq int64

	timer          *time.Timer
	lastRun        time.Time
	degradedLogged bool
}

// NewScheduler constructs a Scheduler. prober may be nil, in which case
// the scheduler always runs in degraded mode.
func NewScheduler(opts Options, prober Prober) *Scheduler {
	return &Scheduler{
		opts:    opts.withDefaults(),
		prober:  prober,
		weak:    rng.NewWeak(0xA5A5A5A5),
		pending: make(map[uint64]*pqEntry),
		sockets: make(map[uint64]*SocketSnapshot),
		outbuf:  make(map[uint64]Channel),
		state:   make(map[uint64]State),
	}
}

// State returns the last-observed scheduling state for the channel
// identified by id, or StateIdle if the scheduler has never seen it.
func (s *Scheduler) State(id uint64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[id]
}

// MarkPending registers ch as having queued cells. Calling it again for
// a channel already pending only refreshes its priority. It does not by
// itself trigger a run; callers ask for that separately via Schedule.
func (s *Scheduler) MarkPending(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[ch.ID()]; ok {
		e.priority = ch.Priority()
		return
	}
	s.pending[ch.ID()] = &pqEntry{
		ch:         ch,
		priority:   ch.Priority(),
		serviceSeq: 0,
		jitter:     int64(s.weak.Next()),
	}
}

// Schedule requests that the scheduler run soon. If no channels are
// pending, it is a no-op. Otherwise, if the configured interval has
// already elapsed since the previous run, it runs immediately;
// otherwise a one-shot timer is armed for the remainder of the
// interval.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	if s.opts.disabled() || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.lastRun)
	if s.lastRun.IsZero() || elapsed >= s.opts.RunInterval {
		s.mu.Unlock()
		s.Run()
		return
	}
	remaining := s.opts.RunInterval - elapsed
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(remaining, s.Run)
	s.mu.Unlock()
}

// Run performs one scheduling tick.
func (s *Scheduler) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runLocked()
}

func (s *Scheduler) runLocked() {
	if len(s.pending) == 0 {
		s.lastRun = time.Now()
		return
	}

	// Step 1: ensure socket state, refresh kernel snapshot, zero written.
	pq := make(priorityQueue, 0, len(s.pending))
	for id, e := range s.pending {
		snap, ok := s.sockets[id]
		if !ok {
			snap = &SocketSnapshot{}
			s.sockets[id] = snap
		}
		refresh(snap, s.prober, e.ch.FD(), s.opts.SockBufSizeFactor)
		snap.Written = 0
		if snap.Degraded {
			s.logDegradedOnce()
		}
		pq = append(pq, e)
	}
	heap.Init(&pq)

	var readd []*pqEntry
	var prevChan Channel

	// Steps 2-3: pop by priority, flush at most one cell each time.
	for pq.Len() > 0 {
		e := heap.Pop(&pq).(*pqEntry)
		c := e.ch
		id := c.ID()

		if prevChan != nil && prevChan.ID() != id {
			if out, ok := s.outbuf[prevChan.ID()]; ok && out.OutbufLen() > outbufFlushThreshold {
				_ = out.FlushOutbufToKernel()
				delete(s.outbuf, prevChan.ID())
			}
		}
		prevChan = c

		snap := s.sockets[id]
		if snap.Writable() {
			if c.FlushOneCellToOutbuf() {
				snap.Written += cellWireSize
				s.outbuf[id] = c
			}
		}

		switch {
		case !c.HasQueuedCells():
			s.state[id] = StateWaitingForCells
			delete(s.pending, id)
		case !snap.Writable():
			s.state[id] = StateWaitingToWrite
			s.nextServiceSeq++
			e.serviceSeq = s.nextServiceSeq
			readd = append(readd, e)
		default:
			s.state[id] = StatePending
			s.nextServiceSeq++
			e.serviceSeq = s.nextServiceSeq
			heap.Push(&pq, e)
		}
	}

	// Step 4: flush whatever remains in the outbuf table.
	for id, c := range s.outbuf {
		_ = c.FlushOutbufToKernel()
		delete(s.outbuf, id)
	}

	// Step 5: re-admit channels that were writable-blocked this tick.
	for _, e := range readd {
		s.pending[e.ch.ID()] = e
	}

	// Step 6.
	s.lastRun = time.Now()
}

func (s *Scheduler) logDegradedOnce() {
	if s.degradedLogged {
		return
	}
	s.degradedLogged = true
	s.opts.Logger.Warn("kist: kernel probe unsupported, running in degraded mode")
}

// OnChannelFree drops any scheduler state held for ch.
func (s *Scheduler) OnChannelFree(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ch.ID()
	delete(s.pending, id)
	delete(s.sockets, id)
	delete(s.outbuf, id)
	delete(s.state, id)
}

// ConsensusParams carries the subset of network consensus parameters
// the scheduler consults when no explicit option overrides them.
type ConsensusParams struct {
	KISTSchedRunInterval time.Duration
}

// OnNewConsensus refreshes tunables sourced from the network consensus.
// A non-zero KISTSchedRunInterval replaces the current run interval,
// including one set explicitly through Options; a zero value leaves it
// unchanged.
func (s *Scheduler) OnNewConsensus(params ConsensusParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.KISTSchedRunInterval != 0 {
		s.opts.RunInterval = params.KISTSchedRunInterval
	}
}

// OnNewOptions refreshes tunables from local configuration.
func (s *Scheduler) OnNewOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts.withDefaults()
}

// FreeAll releases all scheduler state and stops any pending timer.
func (s *Scheduler) FreeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = make(map[uint64]*pqEntry)
	s.sockets = make(map[uint64]*SocketSnapshot)
	s.outbuf = make(map[uint64]Channel)
	s.state = make(map[uint64]State)
}
