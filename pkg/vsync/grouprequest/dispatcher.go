package grouprequest

import (
	"sync"

	"github.com/jabolina/vsync-core/pkg/vsync/helper"
	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// Dispatcher is the stack.Protocol wiring Request instances into the event
// pipeline (spec.md §2, "Group Request -> FLUSH -> NAKACK -> Transport"):
// Send issues a CALL as a MSG event downward to each recipient, incoming
// REPLY messages are correlated back to the originating Request by
// RequestId, and SUSPECT/VIEW_CHANGE are fanned out to every in-flight
// call.
type Dispatcher struct {
	stack.Filter

	local  types.Address
	log    types.Logger
	metric *metrics.Registry

	mu       sync.Mutex
	inflight map[types.UID]*Request
	view     types.View
}

// New builds a Dispatcher.
func New(local types.Address, log types.Logger, metric *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		local:    local,
		log:      log,
		metric:   metric,
		inflight: make(map[types.UID]*Request),
	}
}

func (d *Dispatcher) Name() string { return "GROUP_REQUEST" }

// Send issues a call to recipients and returns the Request tracking its
// replies. An empty recipients list sends the call, one addressed message
// each, to every member of the current view.
func (d *Dispatcher) Send(recipients []types.Address, payload []byte, policy Policy, opts ...Option) *Request {
	d.mu.Lock()
	if len(recipients) == 0 {
		recipients = append([]types.Address(nil), d.view.Members...)
	}
	reqID := helper.GenerateUID()
	req := New(recipients, policy, d.log, d.metric, opts...)
	d.inflight[reqID] = req
	d.mu.Unlock()

	header := types.GroupRequestHeader{Type: types.GroupRequestCall, RequestId: reqID}
	for _, dest := range recipients {
		d.PassDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{
			Source:      d.local,
			Destination: []types.Address{dest},
			Headers:     types.HeaderSet{GroupRequest: &header},
			Payload:     payload,
		}})
	}

	if req.Done() {
		d.forget(reqID)
	}
	return req
}

func (d *Dispatcher) forget(id types.UID) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Reply answers an in-progress call from the application layer above.
func (d *Dispatcher) Reply(to types.Address, requestID types.UID, payload []byte) {
	header := types.GroupRequestHeader{Type: types.GroupRequestReply, RequestId: requestID}
	d.PassDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{
		Source:      d.local,
		Destination: []types.Address{to},
		Headers:     types.HeaderSet{GroupRequest: &header},
		Payload:     payload,
	}})
}

// HandleDown implements stack.Protocol.
func (d *Dispatcher) HandleDown(e stack.Event) {
	d.PassDown(e)
}

// HandleUp implements stack.Protocol.
func (d *Dispatcher) HandleUp(e stack.Event) {
	switch e.Kind {
	case stack.KindMsg:
		d.handleUpMsg(e)
	case stack.KindSuspect:
		d.handleSuspect(e.Address)
		d.PassUp(e)
	case stack.KindViewChange, stack.KindTmpView:
		d.handleViewChange(e.View)
		d.PassUp(e)
	default:
		d.PassUp(e)
	}
}

func (d *Dispatcher) handleUpMsg(e stack.Event) {
	header := e.Message.Headers.GroupRequest
	if header == nil {
		d.PassUp(e)
		return
	}
	switch header.Type {
	case types.GroupRequestCall:
		// Surface the call to the application; it replies via Reply.
		d.PassUp(e)
	case types.GroupRequestReply:
		d.mu.Lock()
		req, ok := d.inflight[header.RequestId]
		d.mu.Unlock()
		if !ok {
			return
		}
		req.ReceiveResponse(e.Message.Source, e.Message.Payload)
		if req.Done() {
			d.forget(header.RequestId)
		}
	}
}

func (d *Dispatcher) handleSuspect(addr types.Address) {
	d.mu.Lock()
	reqs := make([]*Request, 0, len(d.inflight))
	ids := make([]types.UID, 0, len(d.inflight))
	for id, req := range d.inflight {
		reqs = append(reqs, req)
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for i, req := range reqs {
		req.Suspect(addr)
		if req.Done() {
			d.forget(ids[i])
		}
	}
}

func (d *Dispatcher) handleViewChange(v types.View) {
	d.mu.Lock()
	d.view = v
	reqs := make([]*Request, 0, len(d.inflight))
	ids := make([]types.UID, 0, len(d.inflight))
	for id, req := range d.inflight {
		reqs = append(reqs, req)
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for i, req := range reqs {
		req.ViewChange(v)
		if req.Done() {
			d.forget(ids[i])
		}
	}
}
