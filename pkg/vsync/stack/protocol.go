package stack

// Protocol is the uniform shape every stack component implements: a
// bidirectional filter that consumes events from above (Down) and below
// (Up), may transform, buffer or absorb them, and emits new ones on either
// side (spec.md §2, §9: "model each protocol as a value with two methods
// handleUp(Event), handleDown(Event) and explicit next/prev handles").
type Protocol interface {
	HandleDown(Event)
	HandleUp(Event)
	Name() string

	// SetDown/SetUp install this protocol's neighbour handles. The chain
	// calls these once at construction time; no subtype polymorphism
	// beyond HandleUp/HandleDown is required.
	SetDown(func(Event))
	SetUp(func(Event))
}

// Filter is an embeddable base carrying the explicit next/prev handles a
// concrete Protocol needs to pass events along the chain without knowing
// its neighbours' concrete types.
type Filter struct {
	down func(Event)
	up   func(Event)
}

func (f *Filter) SetDown(fn func(Event)) { f.down = fn }
func (f *Filter) SetUp(fn func(Event))   { f.up = fn }

// PassDown forwards e to the next-lower protocol (or the transport).
func (f *Filter) PassDown(e Event) {
	if f.down != nil {
		f.down(e)
	}
}

// PassUp forwards e to the next-higher protocol (or the application).
func (f *Filter) PassUp(e Event) {
	if f.up != nil {
		f.up(e)
	}
}

// Transport is the external collaborator contract from spec.md §6: a
// best-effort, address-based datagram transport that preserves message
// boundaries and must not silently duplicate messages.
type Transport interface {
	// HandleDown accepts an event travelling out of the chain; only
	// KindMsg and KindDisconnect are meaningful to a transport.
	HandleDown(Event)
}

// FailureDetector is the external collaborator contract from spec.md §6:
// it emits SUSPECT(addr) and subsequent VIEW_CHANGE events reflecting new
// membership. SUSPECT may be spurious.
type FailureDetector interface {
	Subscribe(func(Event))
}

// Chain wires a fixed vector of protocols together at configuration time,
// Group Request -> FLUSH -> NAKACK -> Transport (spec.md §2), and exposes
// InjectDown/InjectUp as the entry points for the application and the
// transport respectively.
type Chain struct {
	protocols []Protocol
	transport Transport
	top       func(Event)
}

// NewChain builds a chain from protocols ordered top-to-bottom (the first
// entry is closest to the application, the last is closest to the
// transport) and wires every neighbour handle.
func NewChain(transport Transport, top func(Event), protocols ...Protocol) *Chain {
	c := &Chain{protocols: protocols, transport: transport, top: top}
	for i, p := range protocols {
		idx := i
		p.SetDown(func(e Event) {
			if idx+1 < len(protocols) {
				protocols[idx+1].HandleDown(e)
				return
			}
			transport.HandleDown(e)
		})
		p.SetUp(func(e Event) {
			if idx-1 >= 0 {
				protocols[idx-1].HandleUp(e)
				return
			}
			if top != nil {
				top(e)
			}
		})
	}
	return c
}

// InjectUp feeds an event into the bottom of the chain, as the transport
// does when a message arrives from the network.
func (c *Chain) InjectUp(e Event) {
	if len(c.protocols) == 0 {
		if c.top != nil {
			c.top(e)
		}
		return
	}
	c.protocols[len(c.protocols)-1].HandleUp(e)
}

// InjectDown feeds an event into the top of the chain, as the application
// does when it issues a request.
func (c *Chain) InjectDown(e Event) {
	if len(c.protocols) == 0 {
		c.transport.HandleDown(e)
		return
	}
	c.protocols[0].HandleDown(e)
}

// Protocols exposes the wired chain in order, for callers that need to
// address a specific member by name.
func (c *Chain) Protocols() []Protocol {
	return c.protocols
}
