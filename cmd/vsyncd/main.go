// Command vsyncd bootstraps a single stack node over the in-memory
// transport so an operator can watch view/flush transitions converge on a
// terminal, the way the teacher's own demo tooling drives a Unity cluster
// from the command line.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabolina/vsync-core/pkg/vsync/definition"
	"github.com/jabolina/vsync-core/pkg/vsync/flush"
	"github.com/jabolina/vsync-core/pkg/vsync/grouprequest"
	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/nakack"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/transport"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("vsyncd", "Demo node for the NAKACK/FLUSH/Group Request stack.")

	name    = app.Flag("name", "This node's address in the cluster.").Required().String()
	peers   = app.Flag("peers", "Comma-separated addresses of every cluster member, including this one.").Required().String()
	debug   = app.Flag("debug", "Enable debug-level logging.").Bool()
	runtime = app.Flag("runtime", "How long to run before exiting.").Default("30s").Duration()
)

type node struct {
	local      types.Address
	dispatcher *grouprequest.Dispatcher
	chain      *stack.Chain
	transport  *transport.MemTransport
}

// transportRef breaks the construction cycle between stack.Chain, which
// needs a transport at build time, and transport.MemTransport, which needs
// the chain's InjectUp as its delivery callback.
type transportRef struct {
	inner *transport.MemTransport
}

func (t *transportRef) HandleDown(e stack.Event) {
	if t.inner != nil {
		t.inner.HandleDown(e)
	}
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	local := types.Address(*name)
	members := parsePeers(*peers)

	log := definition.NewDefaultLogger()
	log.ToggleDebug(*debug)

	cfg := types.DefaultConfiguration(string(local), log)
	cfg.Normalize()

	net := transport.NewNetwork()
	n := buildNode(local, cfg, log, net)
	defer n.transport.Close()

	detector := transport.NewHeartbeatDetector(2*time.Second, log)
	defer detector.Close()
	detector.Subscribe(func(e stack.Event) { n.chain.InjectUp(e) })
	for _, m := range members {
		if m != local {
			detector.Watch(m)
		}
	}

	view := types.NewView(types.ViewId{Coordinator: members[0], Counter: 1}, members)
	printTransition("VIEW_CHANGE", view.Id.String())
	n.chain.InjectUp(stack.Event{Kind: stack.KindViewChange, View: view})

	deadline := time.After(*runtime)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	seq := 0
	for {
		select {
		case <-tick.C:
			seq++
			payload := []byte(fmt.Sprintf("heartbeat-%s-%d", local, seq))
			n.chain.InjectDown(stack.Event{Kind: stack.KindMsg, Message: types.Message{Payload: payload}})
		case <-deadline:
			color.Yellow("vsyncd[%s]: runtime elapsed, shutting down", local)
			return
		}
	}
}

func buildNode(local types.Address, cfg *types.Configuration, log types.Logger, net *transport.Network) *node {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	na := nakack.New(cfg, local, reg)
	fl := flush.New(cfg, local, reg)
	gr := grouprequest.New(local, log, reg)

	n := &node{local: local, dispatcher: gr}
	ref := &transportRef{}
	n.chain = stack.NewChain(ref, n.onUp, gr, fl, na)

	mt := transport.NewMemTransport(local, net, log, n.chain.InjectUp)
	ref.inner = mt
	n.transport = mt
	return n
}

func (n *node) onUp(e stack.Event) {
	switch e.Kind {
	case stack.KindMsg:
		printTransition("DELIVER", string(e.Message.Payload))
	case stack.KindBlock:
		printTransition("BLOCK", string(n.local))
	case stack.KindUnblock:
		printTransition("UNBLOCK", string(n.local))
	case stack.KindViewChange:
		printTransition("VIEW_CHANGE", e.View.Id.String())
	case stack.KindSuspect:
		printTransition("SUSPECT", string(e.Address))
	}
}

func printTransition(kind, detail string) {
	color.Cyan("%-12s %s", kind, detail)
}

func parsePeers(raw string) []types.Address {
	parts := strings.Split(raw, ",")
	out := make([]types.Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, types.Address(p))
		}
	}
	return types.SortAddresses(out)
}
