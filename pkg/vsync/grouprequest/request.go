// Package grouprequest implements the broadcast/anycast RPC response
// collector from spec.md §4.4: send a call to a fixed recipient set,
// accumulate replies and suspicions under a completion policy, and surface
// the result as a blocking get/get(timeout) pair.
package grouprequest

import (
	"sync"
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// Policy names the completion policies from spec.md §4.4.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyFirst
	PolicyAll
	PolicyMajority
	PolicyAbsMajority
	PolicyN
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "NONE"
	case PolicyFirst:
		return "FIRST"
	case PolicyAll:
		return "ALL"
	case PolicyMajority:
		return "MAJORITY"
	case PolicyAbsMajority:
		return "ABS_MAJORITY"
	case PolicyN:
		return "N"
	default:
		return "UNKNOWN"
	}
}

// Predicate overrides the numeric policy entirely when present (spec.md
// §4.4, "Responses may be filtered by a pluggable predicate").
type Predicate interface {
	// Accept reports whether a response's value should be counted as a
	// successful reply; a false result leaves the sender un-received.
	Accept(record types.ResponseRecord) bool
	// NeedMoreResponses inspects the current table and reports whether the
	// request is still waiting on anything.
	NeedMoreResponses(table map[types.Address]*types.ResponseRecord) bool
}

const defaultMaxSuspects = 40

// Request is a single dispatcher call's response table (spec.md §4.4). Its
// key set is fixed at construction to the initial recipient set and is
// never extended -- a joiner arriving after the call was sent could not
// have received it.
type Request struct {
	mu   sync.Mutex
	cond *sync.Cond

	policy      Policy
	expectedN   int
	predicate   Predicate
	maxSuspects int

	table    map[types.Address]*types.ResponseRecord
	suspects []types.Address

	done      bool
	completed chan struct{}

	metric    *metrics.Registry
	startedAt time.Time
	log       types.Logger
}

// Option configures a Request beyond the mandatory recipients and policy.
type Option func(*Request)

// WithExpectedN sets the expected count used by PolicyN.
func WithExpectedN(n int) Option {
	return func(r *Request) { r.expectedN = n }
}

// WithPredicate installs a predicate overriding the numeric policy.
func WithPredicate(p Predicate) Option {
	return func(r *Request) { r.predicate = p }
}

// WithMaxSuspects overrides the bounded suspects-list size (default 40).
func WithMaxSuspects(n int) Option {
	return func(r *Request) { r.maxSuspects = n }
}

// New builds a Request over recipients with the completion policy. The
// NONE policy is satisfied immediately: send() considers it done before
// any reply arrives.
func New(recipients []types.Address, policy Policy, log types.Logger, metric *metrics.Registry, opts ...Option) *Request {
	r := &Request{
		policy:      policy,
		maxSuspects: defaultMaxSuspects,
		table:       make(map[types.Address]*types.ResponseRecord, len(recipients)),
		completed:   make(chan struct{}),
		metric:      metric,
		log:         log,
		startedAt:   time.Now(),
	}
	for _, addr := range recipients {
		r.table[addr] = &types.ResponseRecord{Sender: addr}
	}
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	r.mu.Lock()
	r.checkCompleteLocked()
	r.mu.Unlock()
	return r
}

// ReceiveResponse records a value arriving from sender. Senders outside the
// initial recipient set are ignored (spec.md §4.4, "a sender seen in
// viewChange but not in the key set is ignored" applies equally here).
func (r *Request) ReceiveResponse(sender types.Address, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.table[sender]
	if !ok {
		return
	}
	if r.predicate != nil && !r.predicate.Accept(types.ResponseRecord{Sender: sender, Value: value}) {
		return
	}
	record.MarkReceived(value)
	r.checkCompleteLocked()
}

// Suspect marks sender as suspected, evicting the oldest suspicion first if
// the bounded suspects list is already full.
func (r *Request) Suspect(sender types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.table[sender]
	if !ok {
		return
	}
	if record.Suspected || record.Received {
		return
	}
	record.MarkSuspected()
	r.pushSuspectLocked(sender)
	r.checkCompleteLocked()
}

func (r *Request) pushSuspectLocked(sender types.Address) {
	r.suspects = append(r.suspects, sender)
	if len(r.suspects) > r.maxSuspects {
		evicted := r.suspects[0]
		r.suspects = r.suspects[1:]
		r.log.Debugf("grouprequest evicting oldest suspicion %s to respect bound %d", evicted, r.maxSuspects)
	}
}

// ViewChange applies a membership update: any recipient absent from v is
// marked suspected and its value cleared; recipients outside the key set
// are not added (spec.md §4.4 invariant).
func (r *Request) ViewChange(v types.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, record := range r.table {
		if v.Contains(addr) {
			continue
		}
		if record.Suspected {
			continue
		}
		record.Received = false
		record.MarkSuspected()
		r.pushSuspectLocked(addr)
	}
	r.checkCompleteLocked()
}

// checkCompleteLocked must be called with r.mu held.
func (r *Request) checkCompleteLocked() {
	if r.done {
		return
	}
	if !r.isCompleteLocked() {
		return
	}
	r.done = true
	close(r.completed)
	r.cond.Broadcast()
	if r.metric != nil {
		r.metric.ObserveGroupRequestDuration(time.Since(r.startedAt).Seconds())
	}
}

func (r *Request) isCompleteLocked() bool {
	if r.predicate != nil {
		return !r.predicate.NeedMoreResponses(r.table)
	}

	total := len(r.table)
	var received, suspected int
	for _, record := range r.table {
		if record.Received {
			received++
		} else if record.Suspected {
			suspected++
		}
	}

	switch r.policy {
	case PolicyNone:
		return true
	case PolicyFirst:
		return received >= 1 || suspected >= total
	case PolicyAll:
		return received+suspected >= total
	case PolicyMajority:
		return received+suspected >= total/2+1
	case PolicyAbsMajority:
		return received >= total/2+1
	case PolicyN:
		expected := r.expectedN
		// spec.md §9 open question: expected >= total degenerates to ALL.
		if expected >= total {
			return received+suspected >= total
		}
		if received >= expected {
			return true
		}
		if received+suspected >= expected {
			return true
		}
		// Not achievable: too many already suspected to ever reach expected.
		if total-suspected < expected {
			return true
		}
		return false
	default:
		return true
	}
}

// Get blocks until the request completes and returns a snapshot of the
// response table.
func (r *Request) Get() map[types.Address]types.ResponseRecord {
	r.mu.Lock()
	for !r.done {
		r.cond.Wait()
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()
	return snap
}

// GetTimeout waits up to timeout for completion. ok is false if the
// deadline elapsed first; the response table is left untouched either way.
func (r *Request) GetTimeout(timeout time.Duration) (map[types.Address]types.ResponseRecord, bool) {
	select {
	case <-r.completed:
		r.mu.Lock()
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (r *Request) snapshotLocked() map[types.Address]types.ResponseRecord {
	out := make(map[types.Address]types.ResponseRecord, len(r.table))
	for addr, record := range r.table {
		out[addr] = *record
	}
	return out
}

// Done reports whether the request has already completed.
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}
