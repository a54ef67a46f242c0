package grouprequest

import (
	"testing"
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/definition"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

func testLogger() types.Logger {
	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)
	return log
}

func TestRequest_NonePolicyCompletesImmediately(t *testing.T) {
	r := New([]types.Address{"A", "B"}, PolicyNone, testLogger(), nil)
	if !r.Done() {
		t.Fatalf("expected NONE policy to be done immediately after construction")
	}
}

func TestRequest_AllPolicyWaitsForEveryRecipient(t *testing.T) {
	r := New([]types.Address{"A", "B", "C"}, PolicyAll, testLogger(), nil)
	r.ReceiveResponse("A", 1)
	if r.Done() {
		t.Fatalf("expected ALL to still be waiting")
	}
	r.ReceiveResponse("B", 2)
	r.Suspect("C")
	if !r.Done() {
		t.Fatalf("expected ALL to complete once every recipient received or suspected")
	}
}

func TestRequest_FirstPolicyCompletesOnFirstReply(t *testing.T) {
	r := New([]types.Address{"A", "B", "C"}, PolicyFirst, testLogger(), nil)
	r.ReceiveResponse("B", "hi")
	if !r.Done() {
		t.Fatalf("expected FIRST to complete on the first reply")
	}
}

func TestRequest_AbsMajorityIgnoresSuspicions(t *testing.T) {
	r := New([]types.Address{"A", "B", "C"}, PolicyAbsMajority, testLogger(), nil)
	r.Suspect("B")
	r.Suspect("C")
	if r.Done() {
		t.Fatalf("ABS_MAJORITY must not count suspicions toward completion")
	}
	r.ReceiveResponse("A", 1)
	if r.Done() {
		t.Fatalf("expected ABS_MAJORITY(3) to need 2 received, got done after 1")
	}
}

// TestRequest_AllSuspectedBeforeReply models spec.md §8's
// boundary behaviour: all recipients suspected before any reply.
func TestRequest_AllSuspectedBeforeReply(t *testing.T) {
	r := New([]types.Address{"A", "B", "C"}, PolicyAll, testLogger(), nil)
	r.Suspect("A")
	r.Suspect("B")
	r.Suspect("C")
	if !r.Done() {
		t.Fatalf("expected ALL to complete once every recipient is suspected")
	}
}

// TestRequest_S5Scenario mirrors spec.md §8 scenario S5: policy=ALL, N=3,
// B crashes mid-call before replying.
func TestRequest_S5Scenario(t *testing.T) {
	r := New([]types.Address{"A", "B", "C"}, PolicyAll, testLogger(), nil)
	r.ReceiveResponse("A", "ack")
	r.ReceiveResponse("C", "ack")
	r.Suspect("B")

	snap := r.Get()
	if len(snap) != 3 {
		t.Fatalf("expected a three-entry response vector, got %d", len(snap))
	}
	if !snap["A"].Received || !snap["C"].Received {
		t.Fatalf("expected A and C received")
	}
	if !snap["B"].Suspected {
		t.Fatalf("expected B suspected")
	}
}

func TestRequest_GetTimeoutExpires(t *testing.T) {
	r := New([]types.Address{"A", "B"}, PolicyAll, testLogger(), nil)
	_, ok := r.GetTimeout(20 * time.Millisecond)
	if ok {
		t.Fatalf("expected GetTimeout to expire before any reply")
	}
}

func TestRequest_NPolicyExpectedGreaterEqualTotalActsAsAll(t *testing.T) {
	r := New([]types.Address{"A", "B"}, PolicyN, testLogger(), nil, WithExpectedN(5))
	r.ReceiveResponse("A", 1)
	if r.Done() {
		t.Fatalf("expected N(5) over 2 recipients to behave as ALL, not complete after 1")
	}
	r.ReceiveResponse("B", 2)
	if !r.Done() {
		t.Fatalf("expected N(5) over 2 recipients to complete once all have replied")
	}
}

func TestRequest_NPolicyNotAchievable(t *testing.T) {
	r := New([]types.Address{"A", "B", "C", "D"}, PolicyN, testLogger(), nil, WithExpectedN(3))
	r.Suspect("A")
	if r.Done() {
		t.Fatalf("1 suspected of 4 with expected 3 should still be achievable")
	}
	r.Suspect("B")
	if !r.Done() {
		t.Fatalf("expected N(3) to become unreachable once only 2 of 4 recipients remain un-suspected")
	}
}

func TestRequest_ViewChangeMarksAbsentAsSuspected(t *testing.T) {
	r := New([]types.Address{"A", "B", "C"}, PolicyAll, testLogger(), nil)
	v := types.NewView(types.ViewId{Coordinator: "A", Counter: 2}, []types.Address{"A", "C"})
	r.ViewChange(v)
	if r.Done() {
		t.Fatalf("expected to still wait on A and C")
	}
	r.ReceiveResponse("A", 1)
	r.ReceiveResponse("C", 1)
	if !r.Done() {
		t.Fatalf("expected completion after B marked suspected by view change and A, C replied")
	}
}

func TestRequest_ViewChangeNeverAddsLateJoiner(t *testing.T) {
	r := New([]types.Address{"A", "B"}, PolicyAll, testLogger(), nil)
	v := types.NewView(types.ViewId{Coordinator: "A", Counter: 2}, []types.Address{"A", "B", "D"})
	r.ViewChange(v)
	r.ReceiveResponse("D", 1)
	if r.Done() {
		t.Fatalf("D must never be added to the key set, so its reply cannot complete the request")
	}
	r.ReceiveResponse("A", 1)
	r.ReceiveResponse("B", 1)
	if !r.Done() {
		t.Fatalf("expected completion from original A, B only")
	}
}
