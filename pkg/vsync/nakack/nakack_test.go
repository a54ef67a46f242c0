package nakack

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jabolina/vsync-core/pkg/vsync/definition"
	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// captureTransport records every event handed down to it, simulating the
// bottom of the chain (spec.md §6, Transport contract).
type captureTransport struct {
	mu     sync.Mutex
	events []stack.Event
}

func (c *captureTransport) HandleDown(e stack.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureTransport) last() (stack.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return stack.Event{}, false
	}
	return c.events[len(c.events)-1], true
}

func (c *captureTransport) all() []stack.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stack.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestNakAck(local types.Address) (*NakAck, *captureTransport, *[]stack.Event) {
	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)
	cfg := types.DefaultConfiguration("test", log)
	cfg.Retransmit = types.RetransmitSchedule{20 * time.Millisecond}
	n := New(cfg, local, nil)

	var delivered []stack.Event
	var mu sync.Mutex
	n.SetUp(func(e stack.Event) {
		mu.Lock()
		delivered = append(delivered, e)
		mu.Unlock()
	})
	transport := &captureTransport{}
	n.SetDown(transport.HandleDown)

	view := types.NewView(types.ViewId{Coordinator: local, Counter: 1}, []types.Address{local, "B", "C"})
	n.HandleUp(stack.Event{Kind: stack.KindViewChange, View: view})

	return n, transport, &delivered
}

func TestNakAck_MulticastAssignsSequentialSeqnos(t *testing.T) {
	n, transport, _ := newTestNakAck("A")

	n.HandleDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{Payload: []byte("m1")}})
	n.HandleDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{Payload: []byte("m2")}})

	events := transport.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events sent down, got %d", len(events))
	}
	if events[0].Message.Headers.NakAck.Seqno != 1 || events[1].Message.Headers.NakAck.Seqno != 2 {
		t.Fatalf("expected sequential seqnos 1, 2, got %d, %d",
			events[0].Message.Headers.NakAck.Seqno, events[1].Message.Headers.NakAck.Seqno)
	}
}

func TestNakAck_ReceiveInOrderDelivers(t *testing.T) {
	n, _, delivered := newTestNakAck("A")

	msg := func(seqno types.Seqno, payload string) types.Message {
		return types.Message{
			Source:  "B",
			Headers: types.HeaderSet{NakAck: &types.NakAckHeader{Type: types.NakAckMsg, Seqno: seqno}},
			Payload: []byte(payload),
		}
	}

	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(1, "m1")})
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(2, "m2")})
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(3, "m3")})

	if len(*delivered) != 3 {
		t.Fatalf("expected 3 messages delivered, got %d", len(*delivered))
	}
	for i, e := range *delivered {
		want := string((*delivered)[i].Message.Payload)
		if string(e.Message.Payload) != want {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
	if string((*delivered)[0].Message.Payload) != "m1" || string((*delivered)[2].Message.Payload) != "m3" {
		t.Fatalf("delivery out of order: %v", *delivered)
	}
}

func TestNakAck_GapTriggersXmitReqThenDelivers(t *testing.T) {
	n, transport, delivered := newTestNakAck("C")

	msg := func(seqno types.Seqno, payload string) types.Message {
		return types.Message{
			Source:  "A",
			Headers: types.HeaderSet{NakAck: &types.NakAckHeader{Type: types.NakAckMsg, Seqno: seqno}},
			Payload: []byte(payload),
		}
	}

	// Seqno 2 dropped in flight; C receives seqno 3 only (scenario S2).
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(1, "m1")})
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(3, "m3")})

	if len(*delivered) != 1 {
		t.Fatalf("expected only seqno 1 delivered so far, got %d", len(*delivered))
	}

	deadline := time.Now().Add(time.Second)
	var xmitReq stack.Event
	found := false
	for time.Now().Before(deadline) {
		if e, ok := transport.last(); ok && e.Message.Headers.NakAck != nil &&
			e.Message.Headers.NakAck.Type == types.NakAckXmitReq {
			xmitReq = e
			found = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !found {
		t.Fatalf("expected an XMIT_REQ to be sent for the gap at seqno 2")
	}
	if xmitReq.Message.Headers.NakAck.Low != 2 {
		t.Fatalf("expected XMIT_REQ for seqno 2, got %d", xmitReq.Message.Headers.NakAck.Low)
	}

	// Simulate the XMIT_RSP arriving with the missing message.
	bundle, err := encodeBundle([]types.Message{msg(2, "m2")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rsp := types.Message{
		Source: "A",
		Headers: types.HeaderSet{NakAck: &types.NakAckHeader{
			Type: types.NakAckXmitRsp, Low: 2, High: 2, OriginalSender: "A",
		}},
		Payload: bundle,
	}
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: rsp})

	if len(*delivered) != 3 {
		t.Fatalf("expected all 3 messages delivered after xmit response, got %d", len(*delivered))
	}
	if string((*delivered)[1].Message.Payload) != "m2" || string((*delivered)[2].Message.Payload) != "m3" {
		t.Fatalf("expected m2 then m3 after recovery, got %v", *delivered)
	}
}

// TestNakAck_GapDetectedIncrementsWindowGapsMetric checks that each missing
// seqno bumps metrics.Registry.WindowGaps exactly once (spec.md §4.2),
// independent of how many retransmit retries that gap goes through.
func TestNakAck_GapDetectedIncrementsWindowGapsMetric(t *testing.T) {
	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)
	cfg := types.DefaultConfiguration("test", log)
	cfg.Retransmit = types.RetransmitSchedule{20 * time.Millisecond}
	reg := metrics.NewRegistry(nil)
	n := New(cfg, "C", reg)
	n.SetUp(func(stack.Event) {})
	n.SetDown(func(stack.Event) {})

	view := types.NewView(types.ViewId{Coordinator: "C", Counter: 1}, []types.Address{"C", "A", "B"})
	n.HandleUp(stack.Event{Kind: stack.KindViewChange, View: view})

	msg := func(seqno types.Seqno) types.Message {
		return types.Message{
			Source:  "A",
			Headers: types.HeaderSet{NakAck: &types.NakAckHeader{Type: types.NakAckMsg, Seqno: seqno}},
		}
	}

	// Seqno 2 is missing; receiving seqno 3 opens exactly one gap.
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(1)})
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg(3)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && testutil.ToFloat64(reg.WindowGaps) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(reg.WindowGaps); got != 1 {
		t.Fatalf("expected exactly one gap recorded, got %v", got)
	}

	// A second retry of the same still-missing gap must not double count.
	time.Sleep(60 * time.Millisecond)
	if got := testutil.ToFloat64(reg.WindowGaps); got != 1 {
		t.Fatalf("expected retries against the same gap not to re-increment, got %v", got)
	}
}

func TestNakAck_NonMemberMessageDropped(t *testing.T) {
	n, _, delivered := newTestNakAck("A")
	msg := types.Message{
		Source:  "intruder",
		Headers: types.HeaderSet{NakAck: &types.NakAckHeader{Type: types.NakAckMsg, Seqno: 1}},
	}
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: msg})
	if len(*delivered) != 0 {
		t.Fatalf("expected message from non-member to be dropped")
	}
}

func TestNakAck_HeaderAbsentPassesThrough(t *testing.T) {
	n, _, delivered := newTestNakAck("A")
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: types.Message{Source: "B", Payload: []byte("raw")}})
	if len(*delivered) != 1 {
		t.Fatalf("expected the headerless message to pass through unchanged")
	}
}

func TestNakAck_StableTruncatesSentTable(t *testing.T) {
	n, _, _ := newTestNakAck("A")
	n.HandleDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{Payload: []byte("m1")}})
	n.HandleDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{Payload: []byte("m2")}})

	n.HandleDown(stack.Event{Kind: stack.KindStable, Digest: types.Digest{
		"A": {HighestDelivered: 2, HighestSeen: 2},
	}})

	if _, ok := n.sent.get(1); ok {
		t.Fatalf("expected seqno 1 truncated from sent table after STABLE")
	}
}

func TestNakAck_SetDigestReplacesWindows(t *testing.T) {
	n, _, _ := newTestNakAck("A")

	n.SetDigest(types.Digest{
		"B": {HighestDelivered: 4, HighestSeen: 4},
		"C": {HighestDelivered: 1, HighestSeen: 1},
	})

	n.mu.Lock()
	wb, okB := n.windows["B"]
	wc, okC := n.windows["C"]
	_, okSelf := n.windows["A"]
	n.mu.Unlock()

	if !okB || !okC {
		t.Fatalf("expected fresh windows for B and C after SET_DIGEST")
	}
	if okSelf {
		t.Fatalf("SET_DIGEST must not create a window for the local member")
	}
	if wb.HighestDelivered() != 4 || wc.HighestDelivered() != 1 {
		t.Fatalf("expected windows seeded at the digest's highestDelivered, got B=%d C=%d",
			wb.HighestDelivered(), wc.HighestDelivered())
	}
}

func TestNakAck_MergeDigestCreatesWindowForUnknownSender(t *testing.T) {
	n, _, _ := newTestNakAck("A")

	n.MergeDigest(types.Digest{"D": {HighestDelivered: 0, HighestSeen: 6}})

	n.mu.Lock()
	wd, ok := n.windows["D"]
	n.mu.Unlock()

	if !ok {
		t.Fatalf("expected MERGE_DIGEST to create a window for the previously unknown sender D")
	}
	if wd.HighestReceived() != 6 {
		t.Fatalf("expected D's window created at the digest's highestSeen, got %d", wd.HighestReceived())
	}
}

func TestNakAck_MergeDigestLeavesUpToDateWindowAlone(t *testing.T) {
	n, _, _ := newTestNakAck("A")

	// B is already known and level with the incoming digest (both at
	// seqno 1), so its window is not behind and must not be touched.
	n.HandleUp(stack.Event{Kind: stack.KindMsg, Message: types.Message{
		Source:  "B",
		Payload: []byte("m1"),
		Headers: types.HeaderSet{NakAck: &types.NakAckHeader{Type: types.NakAckMsg, Seqno: 1}},
	}})

	n.mu.Lock()
	before := n.windows["B"]
	n.mu.Unlock()

	n.MergeDigest(types.Digest{"B": {HighestDelivered: 0, HighestSeen: 1}})

	n.mu.Lock()
	after := n.windows["B"]
	n.mu.Unlock()

	if before != after {
		t.Fatalf("expected MERGE_DIGEST to leave an up-to-date window untouched")
	}
}

func TestNakAck_ConfigUpdatesMaxXmitSize(t *testing.T) {
	n, _, _ := newTestNakAck("A")

	n.HandleDown(stack.Event{Kind: stack.KindConfig, Config: map[string]interface{}{"max_bundle_size": 1024}})

	n.mu.Lock()
	got := n.config.MaxXmitSize
	n.mu.Unlock()

	if got != 1024 {
		t.Fatalf("expected max_xmit_size updated to 1024 via CONFIG, got %d", got)
	}
}

func TestNakAck_DigestMergeAndDominanceLaws(t *testing.T) {
	d1 := types.Digest{"A": {HighestDelivered: 3, HighestSeen: 3}}
	d2 := types.Digest{"A": {HighestDelivered: 5, HighestSeen: 5}, "B": {HighestDelivered: 1, HighestSeen: 1}}

	if !d1.Merge(d1).Equal(d1) {
		t.Fatalf("merge(D1,D1) must equal D1")
	}
	merged := d1.Merge(d2)
	if !merged.Dominates(d1) || !merged.Dominates(d2) {
		t.Fatalf("merge(D1,D2) must dominate both D1 and D2")
	}
}
