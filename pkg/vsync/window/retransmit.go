package window

import (
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// retransmitTask is an independent, cancellable retransmission schedule
// for a single missing seqno. It references the sender address and the
// retransmitter directly rather than the owning Window, matching the
// arena model from spec.md §9: tasks never hold a strong back-reference
// to the window that created them.
type retransmitTask struct {
	sender types.Address
	seqno  types.Seqno
	sched  types.RetransmitSchedule
	retx   Retransmitter

	stop chan struct{}
	done chan struct{}
}

func newRetransmitTask(sender types.Address, seqno types.Seqno, sched types.RetransmitSchedule, retx Retransmitter) *retransmitTask {
	return &retransmitTask{
		sender: sender,
		seqno:  seqno,
		sched:  sched,
		retx:   retx,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *retransmitTask) start() {
	go t.run()
}

func (t *retransmitTask) run() {
	defer close(t.done)
	attempt := 0
	for {
		select {
		case <-t.stop:
			return
		case <-time.After(t.sched.At(attempt)):
			t.retx.RequestRetransmit(t.sender, t.seqno, t.seqno)
			attempt++
		}
	}
}

// cancel stops the task. It does not block waiting for the goroutine to
// exit since cancel is always called with the window mutex held and the
// task goroutine never touches window state directly.
func (t *retransmitTask) cancel() {
	select {
	case <-t.stop:
		// already cancelled
	default:
		close(t.stop)
	}
}
