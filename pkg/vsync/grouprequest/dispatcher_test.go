package grouprequest

import (
	"sync"
	"testing"

	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

type captureTransport struct {
	mu     sync.Mutex
	events []stack.Event
}

func (c *captureTransport) HandleDown(e stack.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureTransport) all() []stack.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stack.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestDispatcher_SendAnycastsOneMessagePerRecipient(t *testing.T) {
	d := New("A", testLogger(), nil)
	transport := &captureTransport{}
	d.SetDown(transport.HandleDown)

	req := d.Send([]types.Address{"B", "C"}, []byte("ping"), PolicyAll)

	events := transport.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 anycast messages, got %d", len(events))
	}
	for _, e := range events {
		if e.Message.Headers.GroupRequest == nil || e.Message.Headers.GroupRequest.Type != types.GroupRequestCall {
			t.Fatalf("expected a CALL header on every sent message")
		}
	}
	if req.Done() {
		t.Fatalf("expected ALL policy over 2 recipients to still be waiting")
	}
}

func TestDispatcher_ReplyCompletesTheRequest(t *testing.T) {
	d := New("A", testLogger(), nil)
	transport := &captureTransport{}
	d.SetDown(transport.HandleDown)

	req := d.Send([]types.Address{"B", "C"}, []byte("ping"), PolicyAll)

	var reqID types.UID
	for _, e := range transport.all() {
		reqID = e.Message.Headers.GroupRequest.RequestId
		break
	}

	reply := func(from types.Address) types.Message {
		return types.Message{
			Source: from,
			Headers: types.HeaderSet{GroupRequest: &types.GroupRequestHeader{
				Type: types.GroupRequestReply, RequestId: reqID,
			}},
			Payload: []byte("pong"),
		}
	}

	d.HandleUp(stack.Event{Kind: stack.KindMsg, Message: reply("B")})
	d.HandleUp(stack.Event{Kind: stack.KindMsg, Message: reply("C")})

	if !req.Done() {
		t.Fatalf("expected request to complete once both recipients replied")
	}
}

func TestDispatcher_SuspectFansOutToInflightRequests(t *testing.T) {
	d := New("A", testLogger(), nil)
	transport := &captureTransport{}
	d.SetDown(transport.HandleDown)

	req := d.Send([]types.Address{"B", "C"}, []byte("ping"), PolicyAll)

	d.HandleUp(stack.Event{Kind: stack.KindSuspect, Address: "B"})
	d.HandleUp(stack.Event{Kind: stack.KindSuspect, Address: "C"})

	if !req.Done() {
		t.Fatalf("expected request to complete once every recipient is suspected")
	}
}
