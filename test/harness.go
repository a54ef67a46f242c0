// Package test provides the N-node stack harness used by end-to-end tests,
// generalising the teacher's test.UnityCluster/CreateCluster pattern
// (TestInvoker/WaitThisOrTimeout) from a single-protocol Unity cluster into
// a full NAKACK/FLUSH/Group Request chain wired over an in-memory
// transport.
package test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/definition"
	"github.com/jabolina/vsync-core/pkg/vsync/flush"
	"github.com/jabolina/vsync-core/pkg/vsync/grouprequest"
	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/nakack"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/transport"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// transportRef breaks the construction cycle between stack.Chain (which
// needs a transport) and transport.MemTransport (which needs the chain's
// InjectUp as its delivery callback): the chain is built against this
// indirection first, then Inner is set once the real transport exists.
type transportRef struct {
	Inner *transport.MemTransport
}

func (t *transportRef) HandleDown(e stack.Event) {
	if t.Inner != nil {
		t.Inner.HandleDown(e)
	}
}

// Node bundles one full stack instance: Dispatcher -> Flush -> NakAck ->
// MemTransport, plus a record of everything delivered to the application.
type Node struct {
	Local      types.Address
	Config     *types.Configuration
	NakAck     *nakack.NakAck
	Flush      *flush.Flush
	Dispatcher *grouprequest.Dispatcher
	Chain      *stack.Chain
	Transport  *transport.MemTransport

	mu        sync.Mutex
	delivered []stack.Event
}

func (n *Node) onUp(e stack.Event) {
	n.mu.Lock()
	n.delivered = append(n.delivered, e)
	n.mu.Unlock()
}

// Delivered returns a snapshot of every event this node's application
// layer has seen so far.
func (n *Node) Delivered() []stack.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]stack.Event, len(n.delivered))
	copy(out, n.delivered)
	return out
}

// DeliveredPayloads returns the payloads of every delivered MSG event, in
// delivery order.
func (n *Node) DeliveredPayloads() []string {
	var out []string
	for _, e := range n.Delivered() {
		if e.Kind == stack.KindMsg {
			out = append(out, string(e.Message.Payload))
		}
	}
	return out
}

// Multicast sends payload to the whole view from this node.
func (n *Node) Multicast(payload []byte) {
	n.Chain.InjectDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{Payload: payload}})
}

// Cluster is a set of Nodes sharing one in-memory Network.
type Cluster struct {
	T       *testing.T
	Network *transport.Network
	Nodes   []*Node
	byAddr  map[types.Address]*Node
}

// CreateCluster builds a stack instance per name, wires it over a shared
// in-memory network, and installs an initial view containing every member.
func CreateCluster(t *testing.T, names []types.Address) *Cluster {
	net := transport.NewNetwork()
	c := &Cluster{T: t, Network: net, byAddr: make(map[types.Address]*Node)}

	for _, name := range names {
		log := definition.NewDefaultLogger()
		log.ToggleDebug(false)
		cfg := types.DefaultConfiguration(fmt.Sprintf("node-%s", name), log)
		cfg.Retransmit = types.RetransmitSchedule{30 * time.Millisecond, 60 * time.Millisecond}

		reg := metrics.NewRegistry(newIsolatedRegisterer())
		na := nakack.New(cfg, name, reg)
		fl := flush.New(cfg, name, reg)
		gr := grouprequest.New(name, log, reg)

		node := &Node{Local: name, Config: cfg, NakAck: na, Flush: fl, Dispatcher: gr}

		ref := &transportRef{}
		chain := stack.NewChain(ref, node.onUp, gr, fl, na)
		node.Chain = chain

		mt := transport.NewMemTransport(name, net, log, chain.InjectUp)
		ref.Inner = mt
		node.Transport = mt

		c.Nodes = append(c.Nodes, node)
		c.byAddr[name] = node
	}

	c.InstallView(names)
	return c
}

// InstallView delivers a VIEW_CHANGE for members to every node in the
// cluster, matching the coordinator-is-first convention of types.NewView.
func (c *Cluster) InstallView(members []types.Address) types.View {
	v := types.NewView(types.ViewId{Coordinator: members[0], Counter: 1}, members)
	for _, node := range c.Nodes {
		node.Chain.InjectUp(stack.Event{Kind: stack.KindViewChange, View: v})
	}
	return v
}

// Node looks up a cluster member by address.
func (c *Cluster) Node(addr types.Address) *Node {
	return c.byAddr[addr]
}

// Close tears down every node's transport.
func (c *Cluster) Close() {
	for _, node := range c.Nodes {
		node.Transport.Close()
	}
}

// WaitThisOrTimeout runs cb in a goroutine and reports whether it finished
// before duration elapsed (adapted from the teacher's test.WaitThisOrTimeout).
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// WaitUntil polls cond every tick until it returns true or duration
// elapses, returning whether it converged.
func WaitUntil(cond func() bool, duration, tick time.Duration) bool {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(tick)
	}
	return cond()
}
