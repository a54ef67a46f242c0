// Package window implements the per-sender sliding window and
// retransmission scheduler described in spec.md §4.1: gap-free delivery
// ordering, retransmit task arming/cancellation, stability-driven garbage
// collection and the bounded-buffer eviction option.
package window

import (
	"sync"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// Retransmitter is supplied by NAKACK so a window can ask for an XMIT_REQ
// to be sent without depending on NAKACK directly (spec.md §9, "no strong
// back-reference from task to window object").
type Retransmitter interface {
	RequestRetransmit(sender types.Address, low, high types.Seqno)

	// GapDetected is called exactly once per missing seqno, the moment a
	// window first notices it (spec.md §4.2's gap detection), as opposed
	// to RequestRetransmit which fires once per retry attempt against
	// that gap. NAKACK uses this to drive metrics.Registry.IncWindowGaps
	// without window depending on the metrics package directly.
	GapDetected(sender types.Address, seqno types.Seqno)
}

// entry is a single received-but-maybe-not-delivered message.
type entry struct {
	msg       types.Message
	delivered bool
}

// Window is the per-sender reordering buffer described in spec.md §4.1.
// Invariant: lowestRetained <= highestDelivered <= highestReceived.
type Window struct {
	mu sync.Mutex

	sender Address
	log    types.Logger
	retx   Retransmitter
	sched  types.RetransmitSchedule

	lowestRetained   types.Seqno
	highestDelivered types.Seqno
	highestReceived  types.Seqno
	hasReceived      bool

	entries map[types.Seqno]*entry
	tasks   map[types.Seqno]*retransmitTask

	maxBufSize int

	// discardDelivered gates whether Stable/evictIfBounded may drop
	// delivered entries at all. A member serving XMIT_REQ from a random
	// member (spec.md §4.2, xmitFromRandomMember) must never discard a
	// delivered message, since it may be the only copy another member can
	// still recover from.
	discardDelivered bool

	// deliveryMu serialises `remove()` drains so at most one goroutine
	// delivers from this window at a time (spec.md §5, suspension point b).
	deliveryMu sync.Mutex

	closed bool
}

type Address = types.Address

// New creates a window for sender, initialised at startAt (the digest's
// highestDelivered when synchronising via SET_DIGEST, its highestSeen via
// MERGE_DIGEST, or 0 for a brand-new member). discardDelivered mirrors
// types.Configuration.DiscardDelivered: when false, this window retains
// every delivered entry indefinitely instead of dropping it on STABLE or
// bounded eviction (spec.md §4.1, §4.2).
func New(sender Address, startAt types.Seqno, sched types.RetransmitSchedule, retx Retransmitter, log types.Logger, maxBufSize int, discardDelivered bool) *Window {
	return &Window{
		sender:           sender,
		log:              log,
		retx:             retx,
		sched:            sched,
		lowestRetained:   startAt,
		highestDelivered: startAt,
		highestReceived:  startAt,
		entries:          make(map[types.Seqno]*entry),
		tasks:            make(map[types.Seqno]*retransmitTask),
		maxBufSize:       maxBufSize,
		discardDelivered: discardDelivered,
	}
}

// Add inserts msg at seqno if seqno > highestDelivered and it isn't
// already present, returning whether it was newly added. Any gap opened
// between the previous highestReceived and seqno gets a retransmit task
// per missing seqno (spec.md §4.1).
func (w *Window) Add(seqno types.Seqno, msg types.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if seqno <= w.highestDelivered {
		return false
	}
	if _, exists := w.entries[seqno]; exists {
		return false
	}

	baseline := w.highestDelivered
	if w.hasReceived && w.highestReceived > baseline {
		baseline = w.highestReceived
	}
	for gap := baseline + 1; gap < seqno; gap++ {
		w.armTask(gap)
	}

	w.entries[seqno] = &entry{msg: msg}
	if !w.hasReceived || seqno > w.highestReceived {
		w.highestReceived = seqno
		w.hasReceived = true
	}
	// The gap this message might have filled is no longer missing.
	w.cancelTask(seqno)
	return true
}

// Remove returns the message at highestDelivered+1 if present, advancing
// the cursor. Callers must serialise deliveries per window by holding the
// delivery lock obtained from LockDelivery/UnlockDelivery below.
func (w *Window) Remove() (types.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.highestDelivered + 1
	e, ok := w.entries[next]
	if !ok || e.delivered {
		return types.Message{}, false
	}
	e.delivered = true
	w.highestDelivered = next
	w.evictIfBounded()
	return e.msg, true
}

// LockDelivery and UnlockDelivery bound the per-window delivery critical
// section named in spec.md §5: "the per-sender delivery lock in NAKACK
// while another thread is draining the same window".
func (w *Window) LockDelivery()   { w.deliveryMu.Lock() }
func (w *Window) UnlockDelivery() { w.deliveryMu.Unlock() }

// Stable drops delivered messages with seqno <= upTo and cancels any
// still-pending retransmit tasks in that range.
func (w *Window) Stable(upTo types.Seqno) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropUpTo(upTo)
}

func (w *Window) dropUpTo(upTo types.Seqno) {
	if !w.discardDelivered {
		// Delivered entries stay retained so this member can still serve
		// XMIT_REQ for them; only the retransmit tasks (which only ever
		// guard undelivered gaps) are cancelled.
		for seqno := range w.tasks {
			if seqno <= upTo {
				w.cancelTask(seqno)
			}
		}
		return
	}
	for seqno, e := range w.entries {
		if seqno <= upTo && e.delivered {
			delete(w.entries, seqno)
		}
	}
	for seqno := range w.tasks {
		if seqno <= upTo {
			w.cancelTask(seqno)
		}
	}
	if upTo+1 > w.lowestRetained {
		w.lowestRetained = upTo + 1
	}
}

// evictIfBounded drops the oldest delivered-and-stable entries beyond
// maxBufSize. Entries not yet delivered are never evicted (spec.md §4.1).
func (w *Window) evictIfBounded() {
	if w.maxBufSize <= 0 || !w.discardDelivered {
		return
	}
	deliveredCount := 0
	for _, e := range w.entries {
		if e.delivered {
			deliveredCount++
		}
	}
	for deliveredCount > w.maxBufSize {
		oldest := types.Seqno(0)
		found := false
		for seqno, e := range w.entries {
			if !e.delivered {
				continue
			}
			if !found || seqno < oldest {
				oldest = seqno
				found = true
			}
		}
		if !found {
			return
		}
		delete(w.entries, oldest)
		deliveredCount--
		if oldest+1 > w.lowestRetained {
			w.lowestRetained = oldest + 1
		}
	}
}

// Reset clears all buffered state, as on DISCONNECT.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for seqno := range w.tasks {
		w.cancelTask(seqno)
	}
	w.entries = make(map[types.Seqno]*entry)
	w.lowestRetained = 0
	w.highestDelivered = 0
	w.highestReceived = 0
	w.hasReceived = false
}

// Destroy stops all retransmit tasks and marks the window unusable.
func (w *Window) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for seqno := range w.tasks {
		w.cancelTask(seqno)
	}
	w.closed = true
}

// Digest returns this window's contribution to a cluster digest.
func (w *Window) Digest() types.DigestEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.DigestEntry{
		LowRetained:      w.lowestRetained,
		HighestDelivered: w.highestDelivered,
		HighestSeen:      w.highestReceived,
	}
}

// HighestDelivered exposes the delivery cursor for GC / STABLE handling.
func (w *Window) HighestDelivered() types.Seqno {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highestDelivered
}

// HighestReceived exposes the receive cursor.
func (w *Window) HighestReceived() types.Seqno {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highestReceived
}

// Messages returns the buffered messages in [low, high], used to serve
// XMIT_REQ from a window acting as a random retransmit member.
func (w *Window) Messages(low, high types.Seqno) []types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []types.Message
	for seqno := low; seqno <= high; seqno++ {
		if e, ok := w.entries[seqno]; ok {
			out = append(out, e.msg)
		}
	}
	return out
}

// armTask must be called with w.mu held. It creates (or replaces) the
// retransmit task for a missing seqno.
func (w *Window) armTask(seqno types.Seqno) {
	if _, exists := w.tasks[seqno]; exists {
		return
	}
	w.retx.GapDetected(w.sender, seqno)
	t := newRetransmitTask(w.sender, seqno, w.sched, w.retx)
	w.tasks[seqno] = t
	t.start()
}

// cancelTask must be called with w.mu held.
func (w *Window) cancelTask(seqno types.Seqno) {
	if t, ok := w.tasks[seqno]; ok {
		t.cancel()
		delete(w.tasks, seqno)
	}
}
