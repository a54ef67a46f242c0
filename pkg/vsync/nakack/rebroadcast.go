package nakack

import (
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// Rebroadcast repeatedly compares the local digest to targetDigest and
// issues XMIT_REQs for every gap (my_high, their_high), waiting between
// passes, until the local digest dominates the target or timeout elapses
// (spec.md §4.2, REBROADCAST). It returns whether the target was reached.
func (n *NakAck) Rebroadcast(target types.Digest, timeout time.Duration) bool {
	cancel := make(chan struct{})
	waitingOn := make(map[types.Address]bool, len(target))
	for addr := range target {
		waitingOn[addr] = true
	}

	n.rebroadcastMu.Lock()
	n.rebroadcastCancel = cancel
	n.rebroadcastWaitingOn = waitingOn
	n.rebroadcastMu.Unlock()

	defer func() {
		n.rebroadcastMu.Lock()
		if n.rebroadcastCancel == cancel {
			n.rebroadcastCancel = nil
			n.rebroadcastWaitingOn = nil
		}
		n.rebroadcastMu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		local := n.GetDigest()
		if local.Dominates(target) {
			return true
		}
		n.issueRebroadcastGaps(local, target)

		if time.Now().After(deadline) {
			n.log.Debugf("nakack CANCEL rebroadcasting: timeout waiting for target digest")
			return false
		}

		select {
		case <-cancel:
			n.log.Debugf("nakack CANCEL rebroadcasting: cancelled by suspicion or disconnect")
			return false
		case <-ticker.C:
		case <-time.After(time.Until(deadline)):
			return false
		}
	}
}

func (n *NakAck) issueRebroadcastGaps(local, target types.Digest) {
	for addr, targetEntry := range target {
		localEntry := local[addr]
		if localEntry.HighestSeen < targetEntry.HighestSeen {
			n.RequestRetransmit(addr, localEntry.HighestSeen+1, targetEntry.HighestSeen)
		}
	}
}

// cancelRebroadcast unconditionally cancels any active rebroadcast, used
// on DISCONNECT.
func (n *NakAck) cancelRebroadcast() {
	n.rebroadcastMu.Lock()
	defer n.rebroadcastMu.Unlock()
	if n.rebroadcastCancel != nil {
		close(n.rebroadcastCancel)
		n.rebroadcastCancel = nil
		n.rebroadcastWaitingOn = nil
	}
}

// cancelIfWaitingOn cancels the active rebroadcast only if addr is one of
// the peers it is waiting to catch up to (spec.md §4.2: "Rebroadcast
// aborts on DISCONNECT or when the peer we are waiting on is suspected").
func (n *NakAck) cancelIfWaitingOn(addr types.Address) {
	n.rebroadcastMu.Lock()
	defer n.rebroadcastMu.Unlock()
	if n.rebroadcastCancel == nil {
		return
	}
	if n.rebroadcastWaitingOn[addr] {
		close(n.rebroadcastCancel)
		n.rebroadcastCancel = nil
		n.rebroadcastWaitingOn = nil
	}
}
