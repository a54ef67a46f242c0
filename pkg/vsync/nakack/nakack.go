// Package nakack implements the per-sender, sequence-numbered,
// negative-acknowledgement reliable multicast layer described in
// spec.md §4.2: seqno assignment, retransmission, reordering, digest
// exchange, and view-driven rebroadcast.
package nakack

import (
	"sync"

	"github.com/jabolina/vsync-core/pkg/vsync/helper"
	"github.com/jabolina/vsync-core/pkg/vsync/metrics"
	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
	"github.com/jabolina/vsync-core/pkg/vsync/window"
)

// NakAck is the stack.Protocol implementing spec.md §4.2.
type NakAck struct {
	stack.Filter

	config *types.Configuration
	log    types.Logger
	local  types.Address
	metric *metrics.Registry

	mu         sync.Mutex
	localSeqno types.Seqno
	sent       *sentTable
	windows    map[types.Address]*window.Window
	view       types.View
	isServer   bool
	leaving    bool

	rebroadcastMu        sync.Mutex
	rebroadcastCancel    chan struct{}
	rebroadcastWaitingOn map[types.Address]bool
}

// New builds a NAKACK protocol instance for the given local address.
func New(config *types.Configuration, local types.Address, metric *metrics.Registry) *NakAck {
	n := &NakAck{
		config:  config,
		log:     config.Logger,
		local:   local,
		metric:  metric,
		sent:    newSentTable(),
		windows: make(map[types.Address]*window.Window),
	}
	return n
}

func (n *NakAck) Name() string { return "NAKACK" }

// RequestRetransmit implements window.Retransmitter: it is invoked by a
// sender window's background retransmit task.
func (n *NakAck) RequestRetransmit(sender types.Address, low, high types.Seqno) {
	n.mu.Lock()
	target := sender
	if n.config.XmitFromRandomMember {
		if m, ok := helper.RandomMember(n.view.Members, n.local); ok {
			target = m
		}
	}
	n.mu.Unlock()

	if n.metric != nil {
		n.metric.IncRetransmitRequests()
	}
	req := types.Message{
		Source:      n.local,
		Destination: []types.Address{target},
		Headers: types.HeaderSet{NakAck: &types.NakAckHeader{
			Type:           types.NakAckXmitReq,
			Low:            low,
			High:           high,
			OriginalSender: sender,
		}},
	}
	n.log.Debugf("nakack requesting retransmit of %s[%d,%d] from %s", sender, low, high, target)
	n.PassDown(stack.Event{Kind: stack.KindMsg, Message: req})
}

// GapDetected implements window.Retransmitter: it is invoked once per
// missing seqno the moment a window first notices it, independent of how
// many retransmit attempts follow (spec.md §4.2).
func (n *NakAck) GapDetected(sender types.Address, seqno types.Seqno) {
	if n.metric != nil {
		n.metric.IncWindowGaps()
	}
}

// windowFor returns (creating if necessary) the window for sender.
func (n *NakAck) windowFor(sender types.Address) *window.Window {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.windowForLocked(sender, 0)
}

func (n *NakAck) windowForLocked(sender types.Address, startAt types.Seqno) *window.Window {
	w, ok := n.windows[sender]
	if !ok {
		w = window.New(sender, startAt, n.config.Retransmit, n, n.log, n.config.MaxBufSize, n.config.DiscardDelivered)
		n.windows[sender] = w
	}
	return w
}

// HandleDown implements stack.Protocol.
func (n *NakAck) HandleDown(e stack.Event) {
	switch e.Kind {
	case stack.KindMsg:
		n.handleDownMsg(e)
	case stack.KindStable:
		n.handleStable(e.Digest)
	case stack.KindGetDigest:
		if e.Done != nil {
			close(e.Done)
		}
		n.PassUp(stack.Event{Kind: stack.KindGetDigest, Digest: n.GetDigest()})
	case stack.KindGetDigestStable:
		n.PassUp(stack.Event{Kind: stack.KindGetDigestStable, Digest: n.GetDigestStable()})
	case stack.KindSetDigest:
		n.SetDigest(e.Digest)
	case stack.KindMergeDigest:
		n.MergeDigest(e.Digest)
	case stack.KindRebroadcast:
		ok := n.Rebroadcast(e.TargetDigest, n.config.MaxRebroadcastTimeout)
		if e.Done != nil {
			e.Done <- ok
			close(e.Done)
		}
	case stack.KindDisconnect:
		n.disconnect()
		n.PassDown(e)
	case stack.KindConfig:
		n.applyConfig(e.Config)
		n.PassDown(e)
	default:
		n.PassDown(e)
	}
}

// applyConfig reads max_bundle_size out of a CONFIG event and uses it to
// resize max_xmit_size, spec.md §6's "max_bundle_size ... published via
// CONFIG and read by NAKACK to size max_xmit_size".
func (n *NakAck) applyConfig(cfg map[string]interface{}) {
	raw, ok := cfg["max_bundle_size"]
	if !ok {
		return
	}
	size, ok := raw.(int)
	if !ok || size <= 0 {
		n.log.Warnf("CONFIG max_bundle_size %v ignored: not a positive int", raw)
		return
	}
	n.mu.Lock()
	n.config.MaxXmitSize = size
	n.mu.Unlock()
	n.log.Infof("max_xmit_size updated to %d via CONFIG", size)
}

func (n *NakAck) handleDownMsg(e stack.Event) {
	msg := e.Message
	if !msg.IsMulticast() {
		// Unicast messages pass down untouched (spec.md §4.2).
		n.PassDown(e)
		return
	}

	n.mu.Lock()
	n.localSeqno++
	seqno := n.localSeqno
	msg.Source = n.local
	msg.Headers.NakAck = &types.NakAckHeader{Type: types.NakAckMsg, Seqno: seqno}
	n.sent.append(seqno, msg)
	n.mu.Unlock()

	n.PassDown(stack.Event{Kind: stack.KindMsg, Message: msg})
}

// handleStable implements the STABLE(digest) garbage collection rule from
// spec.md §4.2.
func (n *NakAck) handleStable(digest types.Digest) {
	n.mu.Lock()
	local := n.local
	gcLag := n.config.GCLag
	n.mu.Unlock()

	if n.metric != nil {
		n.metric.SetStabilityGCLag(float64(gcLag))
	}

	for sender, entry := range digest {
		if sender == local {
			var cut types.Seqno
			if entry.HighestDelivered > gcLag {
				cut = entry.HighestDelivered - gcLag
			}
			n.sent.truncate(cut)
			continue
		}

		w := n.windowFor(sender)
		if entry.HighestSeen > w.HighestReceived() {
			// The last message from this sender was dropped; recover it.
			n.RequestRetransmit(sender, w.HighestReceived()+1, entry.HighestSeen)
		}
		var cut types.Seqno
		if entry.HighestDelivered > gcLag {
			cut = entry.HighestDelivered - gcLag
		}
		w.Stable(cut)
	}
}

// GetDigest returns the current digest using highestReceived per sender.
func (n *NakAck) GetDigest() types.Digest {
	return n.digest(false)
}

// GetDigestStable returns the current digest using highestDelivered per
// sender.
func (n *NakAck) GetDigestStable() types.Digest {
	return n.digest(true)
}

func (n *NakAck) digest(stable bool) types.Digest {
	n.mu.Lock()
	local := n.local
	localHigh := n.sent.highest()
	windows := make(map[types.Address]*window.Window, len(n.windows))
	for addr, w := range n.windows {
		windows[addr] = w
	}
	n.mu.Unlock()

	d := types.NewDigest()
	localEntry := types.DigestEntry{HighestDelivered: localHigh, HighestSeen: localHigh}
	d[local] = localEntry
	for addr, w := range windows {
		high := w.HighestReceived()
		if stable {
			high = w.HighestDelivered()
		}
		d[addr] = types.DigestEntry{
			LowRetained:      0,
			HighestDelivered: w.HighestDelivered(),
			HighestSeen:      high,
		}
	}
	return d
}

// SetDigest replaces all sender windows with fresh ones initialised at the
// digest's highestDelivered (spec.md §4.2, SET_DIGEST).
func (n *NakAck) SetDigest(d types.Digest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.windows = make(map[types.Address]*window.Window)
	for addr, entry := range d {
		if addr == n.local {
			continue
		}
		n.windows[addr] = window.New(addr, entry.HighestDelivered, n.config.Retransmit, n, n.log, n.config.MaxBufSize, n.config.DiscardDelivered)
	}
}

// MergeDigest implements spec.md §4.2's MERGE_DIGEST: create a window at
// high for any unknown sender, or replace an existing window at high if
// its highestReceived is behind.
func (n *NakAck) MergeDigest(d types.Digest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for addr, entry := range d {
		if addr == n.local {
			continue
		}
		existing, ok := n.windows[addr]
		if !ok {
			n.windows[addr] = window.New(addr, entry.HighestSeen, n.config.Retransmit, n, n.log, n.config.MaxBufSize, n.config.DiscardDelivered)
			continue
		}
		if existing.HighestReceived() < entry.HighestSeen {
			n.windows[addr] = window.New(addr, entry.HighestSeen, n.config.Retransmit, n, n.log, n.config.MaxBufSize, n.config.DiscardDelivered)
		}
	}
}

func (n *NakAck) disconnect() {
	n.mu.Lock()
	n.leaving = true
	windows := make([]*window.Window, 0, len(n.windows))
	for _, w := range n.windows {
		windows = append(windows, w)
	}
	n.windows = make(map[types.Address]*window.Window)
	n.mu.Unlock()

	for _, w := range windows {
		w.Reset()
	}
	n.sent.reset()
	n.cancelRebroadcast()
}

// HandleUp implements stack.Protocol.
func (n *NakAck) HandleUp(e stack.Event) {
	switch e.Kind {
	case stack.KindMsg:
		n.handleUpMsg(e)
	case stack.KindViewChange:
		n.handleView(e.View, true)
		n.PassUp(e)
	case stack.KindTmpView:
		n.handleView(e.View, false)
		n.PassUp(e)
	case stack.KindSuspect:
		n.handleSuspect(e.Address)
		n.PassUp(e)
	default:
		n.PassUp(e)
	}
}

func (n *NakAck) handleUpMsg(e stack.Event) {
	msg := e.Message
	header := msg.Headers.NakAck
	if header == nil {
		// Not addressed to this layer: pass through unchanged
		// (spec.md §7, "header absent on MSG").
		n.PassUp(e)
		return
	}

	n.mu.Lock()
	isServer := n.isServer
	member := n.view.Contains(msg.Source) || msg.Source == n.local
	n.mu.Unlock()

	if !isServer {
		return
	}
	if !member {
		n.log.Warnf("nakack dropping message from non-member %s", msg.Source)
		return
	}

	switch header.Type {
	case types.NakAckMsg:
		n.deliverMsg(msg, header.Seqno)
	case types.NakAckXmitReq:
		n.handleXmitReq(msg, header)
	case types.NakAckXmitRsp:
		n.handleXmitRsp(msg)
	default:
		n.log.Warnf("nakack unknown header type %v", header.Type)
	}
}

func (n *NakAck) deliverMsg(msg types.Message, seqno types.Seqno) {
	w := n.windowFor(msg.Source)
	added := w.Add(seqno, msg)
	if added && msg.OOB {
		n.PassUp(stack.Event{Kind: stack.KindMsg, Message: msg})
	}

	w.LockDelivery()
	defer w.UnlockDelivery()
	for {
		next, ok := w.Remove()
		if !ok {
			return
		}
		if next.OOB {
			// Already delivered out-of-band; drop from the in-order
			// loop to avoid double delivery (spec.md §4.1).
			continue
		}
		n.PassUp(stack.Event{Kind: stack.KindMsg, Message: next})
	}
}

func (n *NakAck) handleXmitReq(requester types.Message, header *types.NakAckHeader) {
	n.mu.Lock()
	isLocalOriginator := header.OriginalSender == n.local
	maxSize := n.config.MaxXmitSize
	useMcast := n.config.UseMcastXmit
	n.mu.Unlock()

	var messages []types.Message
	if isLocalOriginator {
		messages = n.sent.rangeMessages(header.Low, header.High)
	} else {
		w := n.windowFor(header.OriginalSender)
		messages = w.Messages(header.Low, header.High)
	}

	if len(messages) == 0 {
		n.log.Warnf("nakack missing messages for xmit request %s[%d,%d]", header.OriginalSender, header.Low, header.High)
		return
	}

	for _, batch := range batchBySize(messages, maxSize) {
		payload, err := encodeBundle(batch)
		if err != nil {
			n.log.Errorf("nakack failed encoding xmit response: %v", err)
			continue
		}
		rsp := types.Message{
			Source: n.local,
			Headers: types.HeaderSet{NakAck: &types.NakAckHeader{
				Type:           types.NakAckXmitRsp,
				Low:            batch[0].Headers.NakAck.Seqno,
				High:           batch[len(batch)-1].Headers.NakAck.Seqno,
				OriginalSender: header.OriginalSender,
			}},
			Payload: payload,
		}
		if useMcast {
			n.PassDown(stack.Event{Kind: stack.KindMsg, Message: rsp})
		} else {
			rsp.Destination = []types.Address{requester.Source}
			n.PassDown(stack.Event{Kind: stack.KindMsg, Message: rsp})
		}
	}
}

func (n *NakAck) handleXmitRsp(msg types.Message) {
	messages, err := decodeBundle(msg.Payload)
	if err != nil {
		n.log.Errorf("nakack failed decoding xmit response: %v", err)
		return
	}
	for _, m := range messages {
		// Reinject as a regular MSG so the normal in-order delivery path
		// takes over (spec.md §4.2).
		n.handleUpMsg(stack.Event{Kind: stack.KindMsg, Message: m})
	}
}

// batchBySize groups messages into chunks whose encoded size stays under
// maxSize, approximated here by payload length since the exact wire
// encoding is an external concern (spec.md §6).
func batchBySize(messages []types.Message, maxSize int) [][]types.Message {
	if maxSize <= 0 {
		return [][]types.Message{messages}
	}
	var batches [][]types.Message
	var current []types.Message
	size := 0
	for _, m := range messages {
		mSize := len(m.Payload) + 64
		if size+mSize > maxSize && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, m)
		size += mSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (n *NakAck) handleView(v types.View, removeDeparted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	oldMembers := map[types.Address]bool{}
	for addr := range n.windows {
		oldMembers[addr] = true
	}

	for _, addr := range v.Members {
		if addr == n.local {
			continue
		}
		if _, ok := n.windows[addr]; !ok {
			n.windows[addr] = window.New(addr, 0, n.config.Retransmit, n, n.log, n.config.MaxBufSize, n.config.DiscardDelivered)
		}
	}

	if removeDeparted {
		for addr, w := range n.windows {
			if !v.Contains(addr) {
				w.Destroy()
				delete(n.windows, addr)
			}
		}
	}

	n.view = v
	n.isServer = true
}

func (n *NakAck) handleSuspect(addr types.Address) {
	n.cancelIfWaitingOn(addr)
}
