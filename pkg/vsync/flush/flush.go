// Package flush implements the cluster-wide stop-the-world barrier from
// spec.md §4.3: quiesce traffic around view changes and state transfer,
// then unblock once every participant has replied.
package flush

import (
	"sync"
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// State is the per-process flush state machine state named in spec.md §4.3.
type State int

const (
	Open State = iota
	Blocking
	Blocked
	Completing
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Blocking:
		return "BLOCKING"
	case Blocked:
		return "BLOCKED"
	case Completing:
		return "COMPLETING"
	default:
		return "UNKNOWN"
	}
}

// Flush is the stack.Protocol implementing spec.md §4.3.
type Flush struct {
	stack.Filter

	config *types.Configuration
	log    types.Logger
	metric *metrics.Registry
	local  types.Address

	mu           sync.Mutex
	state        State
	currentView  types.ViewId
	participants map[types.Address]bool
	flushOkSet   map[types.Address]bool
	caller       types.Address
	isCoordinator bool

	// openGate is closed whenever the gate transitions to OPEN and replaced
	// with a fresh channel on every transition away from OPEN, letting any
	// number of gateMsg waiters block on it without a dedicated goroutine
	// each (spec.md §4.3, "downward message gate").
	openGate chan struct{}

	// blockAckCh receives the application's BLOCK_OK, or is nil between
	// flushes.
	blockAckCh chan struct{}

	// suspendDone, when non-nil, is signalled once SUSPEND_OK has been
	// delivered up/down for the in-flight SUSPEND.
	suspendDone chan bool
	suspendAt   time.Time

	firstView bool
}

// New builds a FLUSH protocol instance.
func New(config *types.Configuration, local types.Address, metric *metrics.Registry) *Flush {
	f := &Flush{
		config:       config,
		log:          config.Logger,
		metric:       metric,
		local:        local,
		state:        Open,
		participants: make(map[types.Address]bool),
		flushOkSet:   make(map[types.Address]bool),
		firstView:    true,
	}
	f.openGate = make(chan struct{})
	close(f.openGate)
	return f
}

func (f *Flush) Name() string { return "FLUSH" }

func (f *Flush) currentState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// HandleDown implements stack.Protocol.
func (f *Flush) HandleDown(e stack.Event) {
	switch e.Kind {
	case stack.KindMsg:
		f.gateMsg(e)
	case stack.KindSuspend:
		f.suspend(e)
	case stack.KindResume:
		f.resume()
	case stack.KindBlockOk:
		f.ackBlock()
	default:
		f.PassDown(e)
	}
}

// gateMsg implements the downward message gate: while BLOCKING or
// BLOCKED, a MSG waits up to flushTimeout; if the timeout elapses the
// process forces SUSPEND_OK downward to unwedge itself (spec.md §4.3).
func (f *Flush) gateMsg(e stack.Event) {
	deadline := time.Now().Add(f.config.FlushTimeout)
	for {
		f.mu.Lock()
		if f.state != Blocking && f.state != Blocked {
			f.mu.Unlock()
			break
		}
		gate := f.openGate
		f.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			forced := false
			f.mu.Lock()
			if f.state == Blocking || f.state == Blocked {
				f.log.Warnf("flush block timeout elapsed, forcing SUSPEND_OK to unwedge")
				f.forceUnwedgeLocked()
				forced = true
			}
			f.mu.Unlock()
			if forced {
				f.PassDown(stack.Event{Kind: stack.KindSuspendOk})
			}
			break
		}

		select {
		case <-gate:
		case <-time.After(remaining):
		}
	}
	f.PassDown(e)
}

// forceUnwedgeLocked must be called with f.mu held.
func (f *Flush) forceUnwedgeLocked() {
	f.state = Open
	f.flushOkSet = make(map[types.Address]bool)
	close(f.openGate)
}

// suspend is the coordinator-side SUSPEND(view?) operation (spec.md §4.3).
func (f *Flush) suspend(e stack.Event) {
	f.mu.Lock()
	view := e.View
	participants := map[types.Address]bool{}
	for _, m := range view.Members {
		participants[m] = true
	}
	if len(participants) == 0 {
		f.mu.Unlock()
		f.PassDown(stack.Event{Kind: stack.KindSuspendOk})
		if e.Done != nil {
			e.Done <- true
			close(e.Done)
		}
		return
	}

	f.isCoordinator = true
	f.caller = f.local
	f.currentView = view.Id
	f.participants = participants
	f.flushOkSet = make(map[types.Address]bool)
	f.suspendDone = e.Done
	f.suspendAt = time.Now()
	f.state = Completing
	f.mu.Unlock()

	start := types.FlushHeader{Type: types.FlushStartFlush, ViewId: view.Id, Participants: view.Members}
	f.PassDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{
		Headers: types.HeaderSet{Flush: &start},
	}})

	// The local process is itself a participant: drive its own
	// BLOCKING/BLOCKED transition immediately.
	f.onStartFlush(start)
}

func (f *Flush) resume() {
	f.mu.Lock()
	view := f.currentView
	f.isCoordinator = false
	f.mu.Unlock()

	stop := types.FlushHeader{Type: types.FlushStopFlush, ViewId: view}
	f.PassDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{
		Headers: types.HeaderSet{Flush: &stop},
	}})
	f.onStopFlush(stop)
}

func (f *Flush) ackBlock() {
	f.mu.Lock()
	ch := f.blockAckCh
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// HandleUp implements stack.Protocol.
func (f *Flush) HandleUp(e stack.Event) {
	switch e.Kind {
	case stack.KindMsg:
		f.handleUpMsg(e)
	case stack.KindSuspect:
		f.handleSuspect(e.Address)
		f.PassUp(e)
	case stack.KindViewChange:
		f.handleViewChange(e.View)
		f.PassUp(e)
	default:
		f.PassUp(e)
	}
}

func (f *Flush) handleUpMsg(e stack.Event) {
	header := e.Message.Headers.Flush
	if header == nil {
		f.PassUp(e)
		return
	}
	switch header.Type {
	case types.FlushStartFlush:
		f.onStartFlush(*header)
	case types.FlushOk:
		f.onFlushOk(e.Message.Source, *header)
	case types.FlushCompleted:
		f.onFlushCompleted(*header)
	case types.FlushStopFlush:
		f.onStopFlush(*header)
	}
}

// onStartFlush implements the OPEN -> BLOCKING -> BLOCKED receiver
// transition (spec.md §4.3).
func (f *Flush) onStartFlush(header types.FlushHeader) {
	f.mu.Lock()
	f.currentView = header.ViewId
	f.openGate = make(chan struct{})
	f.state = Blocking
	ackCh := make(chan struct{}, 1)
	f.blockAckCh = ackCh
	blockTimeout := f.config.BlockTimeout
	f.mu.Unlock()

	f.PassUp(stack.Event{Kind: stack.KindBlock})

	select {
	case <-ackCh:
	case <-time.After(blockTimeout):
		f.log.Warnf("flush BLOCK_OK timed out after %s, proceeding", blockTimeout)
	}

	f.mu.Lock()
	f.state = Blocked
	f.blockAckCh = nil
	local := f.local
	f.mu.Unlock()

	ok := types.FlushHeader{Type: types.FlushOk, ViewId: header.ViewId}
	f.PassDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{
		Source:  local,
		Headers: types.HeaderSet{Flush: &ok},
	}})
	// The coordinator is itself a participant and must count its own vote.
	f.onFlushOk(local, ok)
}

// onFlushOk is the coordinator-side accumulation of FLUSH_OK votes.
func (f *Flush) onFlushOk(from types.Address, header types.FlushHeader) {
	f.mu.Lock()
	if !f.isCoordinator || !header.ViewId.Equal(f.currentView) {
		f.mu.Unlock()
		return
	}
	if !f.participants[from] {
		f.mu.Unlock()
		return
	}
	f.flushOkSet[from] = true
	complete := f.allVotesIn()
	caller := f.caller
	view := f.currentView
	suspendDone := f.suspendDone
	elapsed := time.Since(f.suspendAt)
	f.mu.Unlock()

	if complete {
		if f.metric != nil {
			f.metric.ObserveFlushDuration(elapsed.Seconds())
		}
		completed := types.FlushHeader{Type: types.FlushCompleted, ViewId: view}
		f.deliverCompleted(caller, completed, suspendDone)
	}
}

// allVotesIn must be called with f.mu held.
func (f *Flush) allVotesIn() bool {
	for p := range f.participants {
		if !f.flushOkSet[p] {
			return false
		}
	}
	return true
}

func (f *Flush) deliverCompleted(caller types.Address, header types.FlushHeader, suspendDone chan bool) {
	if caller == f.local {
		f.onFlushCompleted(header)
	} else {
		f.PassDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{
			Destination: []types.Address{caller},
			Headers:     types.HeaderSet{Flush: &header},
		}})
	}
	if suspendDone != nil {
		suspendDone <- true
		close(suspendDone)
	}
}

// onFlushCompleted is the flush caller's reaction to FLUSH_COMPLETED: it
// delivers SUSPEND_OK up and down.
func (f *Flush) onFlushCompleted(header types.FlushHeader) {
	f.mu.Lock()
	if !header.ViewId.Equal(f.currentView) {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.PassUp(stack.Event{Kind: stack.KindSuspendOk})
	f.PassDown(stack.Event{Kind: stack.KindSuspendOk})
}

// onStopFlush implements BLOCKED -> OPEN: emit UNBLOCK upward and release
// the block gate (spec.md §4.3).
func (f *Flush) onStopFlush(header types.FlushHeader) {
	f.mu.Lock()
	if f.state == Open && f.currentView.Equal(header.ViewId) {
		// Duplicate STOP_FLUSH for a view we've already unblocked into.
		f.mu.Unlock()
		return
	}
	f.currentView = header.ViewId
	wasWedged := f.state != Open
	f.state = Open
	f.isCoordinator = false
	f.flushOkSet = make(map[types.Address]bool)
	if wasWedged {
		close(f.openGate)
	}
	f.mu.Unlock()

	f.PassUp(stack.Event{Kind: stack.KindUnblock})
}

// handleSuspect removes a from expected participants; if the FLUSH_OK set
// is now complete, it emits FLUSH_COMPLETED (spec.md §4.3).
func (f *Flush) handleSuspect(a types.Address) {
	f.mu.Lock()
	if !f.isCoordinator {
		f.mu.Unlock()
		return
	}
	delete(f.participants, a)
	delete(f.flushOkSet, a)
	complete := f.allVotesIn() && len(f.participants) > 0
	caller := f.caller
	view := f.currentView
	suspendDone := f.suspendDone
	f.mu.Unlock()

	if complete {
		completed := types.FlushHeader{Type: types.FlushCompleted, ViewId: view}
		f.deliverCompleted(caller, completed, suspendDone)
	}
}

// handleViewChange implements coordinator handover and first-view
// synthesis (spec.md §4.3).
func (f *Flush) handleViewChange(v types.View) {
	f.mu.Lock()
	wasFirst := f.firstView
	f.firstView = false
	callerGone := f.caller != "" && !v.Contains(f.caller)
	iAmNewCoordinator := v.Coordinator() == f.local
	stillWedged := f.state == Blocked || f.state == Blocking
	f.mu.Unlock()

	if wasFirst {
		// A newly joining process must see VIEW_CHANGE -> UNBLOCK even
		// though it never saw a START_FLUSH (spec.md §4.3, first-view
		// synthesis).
		f.onStopFlush(types.FlushHeader{Type: types.FlushStopFlush, ViewId: v.Id})
		return
	}

	if callerGone && iAmNewCoordinator && stillWedged {
		f.log.Warnf("flush caller absent from new view, new coordinator replaying onResume")
		f.resume()
	}
}
