// Package statetransfer implements the GET_STATE supplement (spec.md §6,
// "Application contract ... GET_STATE"; §8 scenario S6: "state transfer of
// 10 MB"). It is not itself a stack.Protocol: it coordinates a FLUSH
// SUSPEND/RESUME around a Storage dump/load exchanged as ordinary MSG
// payloads over the Group Request dispatcher, mirroring the teacher's
// Deliver/StateMachine/Storage split (pkg/mcast/core/deliver.go,
// pkg/mcast/types/state_machine.go) adapted from per-command commits to a
// single bulk state exchange.
package statetransfer

import (
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/grouprequest"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// Coordinator drives a GET_STATE exchange: a joiner asks a chosen provider
// for its storage dump while the group is flushed, guaranteeing no
// multicast is lost across the transfer (spec.md §8, S6's "no multicasts
// lost across the flush boundary").
type Coordinator struct {
	local      types.Address
	storage    types.Storage
	provider   types.StateProvider
	log        types.Logger
	dispatcher *grouprequest.Dispatcher
	suspend    func(view types.View) chan bool
	resume     func()
}

// New builds a state-transfer Coordinator. suspend/resume are the FLUSH
// SUSPEND/RESUME entry points (stack.Event{Kind: KindSuspend/KindResume}
// wired by the caller to the chain's InjectDown), kept as closures so this
// package does not need to depend on pkg/vsync/flush directly.
func New(local types.Address, storage types.Storage, log types.Logger, dispatcher *grouprequest.Dispatcher,
	suspend func(view types.View) chan bool, resume func()) *Coordinator {
	return &Coordinator{
		local:      local,
		storage:    storage,
		log:        log,
		dispatcher: dispatcher,
		suspend:    suspend,
		resume:     resume,
	}
}

// SetStateProvider installs the application-level collaborator named in
// spec.md §6 ("Application contract ... GET_STATE"). When set, GetState/
// SetState take over streaming state instead of the raw Storage Dump/Load,
// letting the application serialize its own in-memory state rather than
// whatever Storage happens to hold.
func (c *Coordinator) SetStateProvider(p types.StateProvider) {
	c.provider = p
}

// RequestState asks provider for its current state under a FLUSH, then
// loads it into this process's storage. Per spec.md §7 ("surfaced upward:
// ... the boolean return of getState"), failures are logged internally and
// only a success/failure boolean crosses this boundary.
func (c *Coordinator) RequestState(view types.View, provider types.Address, timeout time.Duration) bool {
	done := c.suspend(view)
	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warnf("state transfer SUSPEND never completed within %s, proceeding anyway", timeout)
	}
	defer c.resume()

	req := c.dispatcher.Send([]types.Address{provider}, []byte("GET_STATE"), grouprequest.PolicyAll)
	table, ok := req.GetTimeout(timeout)
	if !ok {
		c.log.Errorf("state transfer from %s timed out waiting for a reply", provider)
		return false
	}
	record := table[provider]
	if !record.Received {
		c.log.Errorf("state transfer from %s: no state received", provider)
		return false
	}
	payload, _ := record.Value.([]byte)
	if c.provider != nil {
		if err := c.provider.SetState(payload); err != nil {
			c.log.Errorf("state transfer from %s: application SetState failed: %v", provider, err)
			return false
		}
		return true
	}
	if err := c.storage.Load(payload); err != nil {
		c.log.Errorf("state transfer from %s: failed loading state: %v", provider, err)
		return false
	}
	return true
}

// ServeState answers a pending GET_STATE call from requester with a dump
// of the local state: the application's GetState when a StateProvider is
// installed, falling back to the raw Storage dump otherwise.
func (c *Coordinator) ServeState(requester types.Address, requestID types.UID) {
	var dump []byte
	var err error
	if c.provider != nil {
		dump, err = c.provider.GetState()
	} else {
		dump, err = c.storage.Dump()
	}
	if err != nil {
		c.log.Errorf("failed dumping local state for %s: %v", requester, err)
		return
	}
	c.dispatcher.Reply(requester, requestID, dump)
}

// HandleGetStateCall recognises an inbound GROUP_REQUEST CALL event whose
// payload marks it as a GET_STATE ask, serving it if so. It returns
// whether the event was consumed.
func (c *Coordinator) HandleGetStateCall(e stack.Event) bool {
	header := e.Message.Headers.GroupRequest
	if header == nil || header.Type != types.GroupRequestCall {
		return false
	}
	if string(e.Message.Payload) != "GET_STATE" {
		return false
	}
	c.ServeState(e.Message.Source, header.RequestId)
	return true
}
