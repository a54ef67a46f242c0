package transport

import (
	"context"
	"sync"
	"time"

	"github.com/jabolina/vsync-core/pkg/vsync/stack"
	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// HeartbeatDetector is a trivial stack.FailureDetector for the demo CLI
// only (spec.md §6: "production failure detection remains out of scope").
// Each peer is expected to call Heartbeat within the configured interval;
// missing two in a row emits SUSPECT.
type HeartbeatDetector struct {
	interval time.Duration
	log      types.Logger

	mu       sync.Mutex
	lastSeen map[types.Address]time.Time
	watching map[types.Address]bool
	sub      func(stack.Event)

	context context.Context
	finish  context.CancelFunc
}

// NewHeartbeatDetector builds a detector polling on interval.
func NewHeartbeatDetector(interval time.Duration, log types.Logger) *HeartbeatDetector {
	ctx, cancel := context.WithCancel(context.Background())
	d := &HeartbeatDetector{
		interval: interval,
		log:      log,
		lastSeen: make(map[types.Address]time.Time),
		watching: make(map[types.Address]bool),
		context:  ctx,
		finish:   cancel,
	}
	go d.run()
	return d
}

// Subscribe implements stack.FailureDetector.
func (d *HeartbeatDetector) Subscribe(fn func(stack.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sub = fn
}

// Watch starts tracking addr; Heartbeat must be called for it periodically.
func (d *HeartbeatDetector) Watch(addr types.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watching[addr] = true
	d.lastSeen[addr] = time.Now()
}

// Heartbeat records that addr is still alive.
func (d *HeartbeatDetector) Heartbeat(addr types.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[addr] = time.Now()
}

func (d *HeartbeatDetector) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.context.Done():
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *HeartbeatDetector) sweep() {
	d.mu.Lock()
	threshold := 2 * d.interval
	now := time.Now()
	var suspects []types.Address
	for addr, watching := range d.watching {
		if !watching {
			continue
		}
		if now.Sub(d.lastSeen[addr]) > threshold {
			suspects = append(suspects, addr)
			d.watching[addr] = false
		}
	}
	sub := d.sub
	d.mu.Unlock()

	for _, addr := range suspects {
		d.log.Warnf("heartbeat detector suspecting %s", addr)
		if sub != nil {
			sub(stack.Event{Kind: stack.KindSuspect, Address: addr})
		}
	}
}

// Close stops the detector's background sweep.
func (d *HeartbeatDetector) Close() {
	d.finish()
}
