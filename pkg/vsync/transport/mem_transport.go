// Package transport provides the in-memory Transport and FailureDetector
// collaborators used by tests and the demo CLI (spec.md §1 scopes the real
// network transport out of this module's buildable surface; spec.md §6
// defines the contract these implement). The shape -- a context/cancel pair
// guarding a background poller that drains a buffered channel -- mirrors the
// teacher's ReliableTransport.
package transport

import (
	"context"
	"sync"
	"time"

	commonlog "github.com/prometheus/common/log"

	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// registry is the shared channel directory every MemTransport in a test
// process registers with, modelling a single broadcast medium.
type registry struct {
	mu      sync.Mutex
	members map[types.Address]*MemTransport
}

func newRegistry() *registry {
	return &registry{members: make(map[types.Address]*MemTransport)}
}

func (r *registry) register(addr types.Address, t *MemTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[addr] = t
}

func (r *registry) unregister(addr types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, addr)
}

func (r *registry) lookup(addr types.Address) (*MemTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.members[addr]
	return t, ok
}

func (r *registry) all() []*MemTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MemTransport, 0, len(r.members))
	for _, t := range r.members {
		out = append(out, t)
	}
	return out
}

// Network is a shared in-memory medium that a set of MemTransport instances
// register with; it stands in for the network spec.md §1 scopes out.
type Network struct {
	reg *registry

	mu      sync.Mutex
	dropped map[dropKey]bool
}

type dropKey struct {
	from, to types.Address
}

// NewNetwork builds a fresh, empty in-memory medium.
func NewNetwork() *Network {
	return &Network{reg: newRegistry(), dropped: make(map[dropKey]bool)}
}

// DropLink makes every message sent from -> to vanish, modelling the
// partial-link failures spec.md §8's scenarios exercise (e.g. "drop A->C
// on message seqno 2").
func (n *Network) DropLink(from, to types.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped[dropKey{from, to}] = true
}

// RestoreLink undoes a prior DropLink.
func (n *Network) RestoreLink(from, to types.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.dropped, dropKey{from, to})
}

func (n *Network) isDropped(from, to types.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped[dropKey{from, to}]
}

// MemTransport is a stack.Transport backed by a shared Network. It
// implements stack.Transport via HandleDown: a multicast MSG is fanned out
// to every other registered member, an addressed MSG is delivered to each
// listed destination other than itself.
type MemTransport struct {
	local   types.Address
	net     *Network
	up      func(stack.Event)
	log     types.Logger
	inbox   chan stack.Event
	context context.Context
	finish  context.CancelFunc
}

// NewMemTransport registers a new member named local on net and starts its
// delivery loop, which hands every received event to up. A nil log falls
// back to prometheus/common/log's package-level logger, matching the
// teacher's own core.Transport.log.Errorf calls when no structured logger
// is wired in.
func NewMemTransport(local types.Address, net *Network, log types.Logger, up func(stack.Event)) *MemTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &MemTransport{
		local:   local,
		net:     net,
		up:      up,
		log:     log,
		inbox:   make(chan stack.Event, 256),
		context: ctx,
		finish:  cancel,
	}
	net.reg.register(local, t)
	go t.poll()
	return t
}

func (t *MemTransport) poll() {
	for {
		select {
		case <-t.context.Done():
			return
		case e := <-t.inbox:
			if t.up != nil {
				t.up(e)
			}
		}
	}
}

// deliver is called by a peer's HandleDown to hand e to this member's
// inbox; it never blocks indefinitely, matching the "best-effort" contract
// of spec.md §6.
func (t *MemTransport) deliver(e stack.Event) {
	select {
	case t.inbox <- e:
	case <-time.After(time.Second):
		if t.log != nil {
			t.log.Warnf("transport inbox full for %s, dropping event", t.local)
		} else {
			commonlog.Warnf("transport inbox full for %s, dropping event", t.local)
		}
	}
}

// HandleDown implements stack.Transport.
func (t *MemTransport) HandleDown(e stack.Event) {
	if e.Kind != stack.KindMsg {
		return
	}
	msg := e.Message
	if msg.Source == "" {
		msg.Source = t.local
		e.Message = msg
	}

	if msg.IsMulticast() {
		for _, peer := range t.net.reg.all() {
			if peer.local == t.local {
				continue
			}
			if t.net.isDropped(t.local, peer.local) {
				continue
			}
			peer.deliver(e)
		}
		return
	}

	for _, dest := range msg.Destination {
		if dest == t.local {
			continue
		}
		if t.net.isDropped(t.local, dest) {
			continue
		}
		if peer, ok := t.net.reg.lookup(dest); ok {
			peer.deliver(e)
		}
	}
}

// Close stops the delivery loop and unregisters from the network.
func (t *MemTransport) Close() {
	t.finish()
	t.net.reg.unregister(t.local)
}
