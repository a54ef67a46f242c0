package window

import (
	"sync"
	"testing"
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/definition"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

type recordingRetransmitter struct {
	mu    sync.Mutex
	reqs  []types.Seqno
	ready chan struct{}
}

func newRecordingRetransmitter() *recordingRetransmitter {
	return &recordingRetransmitter{ready: make(chan struct{}, 32)}
}

func (r *recordingRetransmitter) RequestRetransmit(sender types.Address, low, high types.Seqno) {
	r.mu.Lock()
	r.reqs = append(r.reqs, low)
	r.mu.Unlock()
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *recordingRetransmitter) GapDetected(sender types.Address, seqno types.Seqno) {}

func (r *recordingRetransmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func testLogger() types.Logger {
	l := definition.NewDefaultLogger()
	l.ToggleDebug(false)
	return l
}

func TestWindow_AddInOrderDelivers(t *testing.T) {
	retx := newRecordingRetransmitter()
	w := New("A", 0, types.DefaultRetransmitSchedule(), retx, testLogger(), 0, true)

	for i := types.Seqno(1); i <= 3; i++ {
		if added := w.Add(i, types.Message{Payload: []byte{byte(i)}}); !added {
			t.Fatalf("expected seqno %d to be newly added", i)
		}
	}

	for i := types.Seqno(1); i <= 3; i++ {
		msg, ok := w.Remove()
		if !ok {
			t.Fatalf("expected a message at position %d", i)
		}
		if msg.Payload[0] != byte(i) {
			t.Fatalf("delivered out of order: got %d want %d", msg.Payload[0], i)
		}
	}

	if _, ok := w.Remove(); ok {
		t.Fatalf("expected no more messages to deliver")
	}
	if retx.count() != 0 {
		t.Fatalf("no gap was opened, expected zero retransmit requests, got %d", retx.count())
	}
}

func TestWindow_AddIsIdempotent(t *testing.T) {
	retx := newRecordingRetransmitter()
	w := New("A", 0, types.DefaultRetransmitSchedule(), retx, testLogger(), 0, true)

	if !w.Add(1, types.Message{}) {
		t.Fatalf("first add should succeed")
	}
	if w.Add(1, types.Message{}) {
		t.Fatalf("duplicate add must be rejected")
	}

	if _, ok := w.Remove(); !ok {
		t.Fatalf("expected delivery")
	}
	if w.Add(1, types.Message{}) {
		t.Fatalf("re-adding an already-delivered seqno must be rejected")
	}
}

func TestWindow_GapSchedulesRetransmit(t *testing.T) {
	retx := newRecordingRetransmitter()
	sched := types.RetransmitSchedule{10 * time.Millisecond}
	w := New("A", 0, sched, retx, testLogger(), 0, true)

	// seqno 1 is missing; seqno 2 arrives and opens a gap at 1.
	w.Add(2, types.Message{})

	select {
	case <-retx.ready:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected a retransmit request for the gap at seqno 1")
	}

	// Filling the gap must cancel the outstanding task.
	w.Add(1, types.Message{})
	msg1, ok := w.Remove()
	if !ok || len(msg1.Payload) != 0 {
		t.Fatalf("expected seqno 1 to deliver")
	}
	_, ok = w.Remove()
	if !ok {
		t.Fatalf("expected seqno 2 to deliver after seqno 1")
	}
}

func TestWindow_Stable_TruncatesDelivered(t *testing.T) {
	retx := newRecordingRetransmitter()
	w := New("A", 0, types.DefaultRetransmitSchedule(), retx, testLogger(), 0, true)

	for i := types.Seqno(1); i <= 5; i++ {
		w.Add(i, types.Message{})
		w.Remove()
	}

	w.Stable(3)
	entry := w.Digest()
	if entry.LowRetained != 4 {
		t.Fatalf("expected lowRetained to advance to 4, got %d", entry.LowRetained)
	}
	if len(w.Messages(1, 3)) != 0 {
		t.Fatalf("expected messages up to seqno 3 to be dropped after stability")
	}
	if len(w.Messages(4, 5)) != 2 {
		t.Fatalf("expected messages 4 and 5 to remain")
	}
}

func TestWindow_DiscardDeliveredFalseRetainsMessages(t *testing.T) {
	retx := newRecordingRetransmitter()
	w := New("A", 0, types.DefaultRetransmitSchedule(), retx, testLogger(), 0, false)

	for i := types.Seqno(1); i <= 5; i++ {
		w.Add(i, types.Message{})
		w.Remove()
	}

	w.Stable(3)
	if len(w.Messages(1, 3)) != 3 {
		t.Fatalf("expected a member with discardDelivered=false to keep serving XMIT_REQ for stable delivered messages, got %d", len(w.Messages(1, 3)))
	}
}

func TestWindow_BoundedBufferEvictsOldestDeliveredOnly(t *testing.T) {
	retx := newRecordingRetransmitter()
	w := New("A", 0, types.DefaultRetransmitSchedule(), retx, testLogger(), 2, true)

	for i := types.Seqno(1); i <= 4; i++ {
		w.Add(i, types.Message{})
		w.Remove()
	}

	if len(w.Messages(1, 4)) > 2 {
		t.Fatalf("expected bounded buffer to evict down to 2 entries, got %d", len(w.Messages(1, 4)))
	}
}

func TestWindow_ResetClearsState(t *testing.T) {
	retx := newRecordingRetransmitter()
	w := New("A", 0, types.DefaultRetransmitSchedule(), retx, testLogger(), 0, true)
	w.Add(1, types.Message{})
	w.Reset()
	entry := w.Digest()
	if entry.HighestDelivered != 0 || entry.HighestSeen != 0 {
		t.Fatalf("expected reset window to be back at zero, got %+v", entry)
	}
}
