package types

import (
	"fmt"
	"time"

	goversion "github.com/hashicorp/go-version"
)

// ProtocolVersion is compared between peers with github.com/hashicorp/go-version
// so that a future incompatible release of this stack can refuse to talk
// to an older peer instead of silently misbehaving.
const ProtocolVersion = "1.0.0"

// CheckProtocolVersion reports whether the given peer-advertised version
// string is compatible with the locally-configured minimum version. A
// malformed version string is always rejected.
func CheckProtocolVersion(peerVersion, minVersion string) error {
	peer, err := goversion.NewVersion(peerVersion)
	if err != nil {
		return fmt.Errorf("malformed protocol version %q: %w", peerVersion, err)
	}
	min, err := goversion.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("malformed minimum protocol version %q: %w", minVersion, err)
	}
	if peer.LessThan(min) {
		return fmt.Errorf("peer protocol version %s older than minimum supported %s", peer, min)
	}
	return nil
}

// RetransmitSchedule is the backoff schedule used by the sender window's
// retransmission tasks (spec.md §4.1). The schedule repeats the last
// interval indefinitely once exhausted.
type RetransmitSchedule []time.Duration

// DefaultRetransmitSchedule matches spec.md §4.1's default: 600, 1200,
// 2400, 4800 ms.
func DefaultRetransmitSchedule() RetransmitSchedule {
	return RetransmitSchedule{
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
	}
}

// At returns the interval to use for the n-th (0-indexed) retransmission
// attempt, repeating the final entry once exhausted.
func (s RetransmitSchedule) At(n int) time.Duration {
	if len(s) == 0 {
		return 600 * time.Millisecond
	}
	if n >= len(s) {
		return s[len(s)-1]
	}
	return s[n]
}

// Configuration holds every tunable named in spec.md §4 and §6. It is
// threaded explicitly through the components at construction time instead
// of living behind package-level mutable state (spec.md §9).
type Configuration struct {
	// LocalAddress is this process's address.
	LocalAddress Address

	// Name identifies the cluster/channel this configuration belongs to.
	Name string

	// MinProtocolVersion is the oldest peer protocol version this process
	// will accept.
	MinProtocolVersion string

	// Retransmit is the sender window's backoff schedule.
	Retransmit RetransmitSchedule

	// GCLag is the number of trailing seqnos retained past
	// highestDelivered before stability-driven GC truncates them
	// (spec.md §4.2, STABLE handling).
	GCLag Seqno

	// MaxXmitSize bounds the approximate size in bytes of a single
	// XMIT_RSP bundle (payload length plus a fixed per-message overhead).
	MaxXmitSize int

	// MaxBufSize bounds how many delivered-and-stable entries a window
	// retains; 0 means unbounded (spec.md §4.1).
	MaxBufSize int

	// FlushTimeout bounds the downward MSG gate while FLUSH is blocking
	// (spec.md §4.3). The coordinator's wait for FLUSH_COMPLETED after a
	// SUSPEND is not bounded by it.
	FlushTimeout time.Duration

	// BlockTimeout bounds how long FLUSH waits for the application to
	// ack a BLOCK with BLOCK_OK.
	BlockTimeout time.Duration

	// MaxRebroadcastTimeout bounds NAKACK's REBROADCAST loop.
	MaxRebroadcastTimeout time.Duration

	// XmitFromRandomMember redirects XMIT_REQ to a random live member
	// instead of the original sender (spec.md §4.2).
	XmitFromRandomMember bool

	// UseMcastXmit multicasts XMIT_RSP instead of unicasting it to the
	// requester.
	UseMcastXmit bool

	// DiscardDelivered allows a window to drop delivered entries outright.
	// Forced false when XmitFromRandomMember is set, since a random
	// member must still be able to serve XMIT_REQ for messages it has
	// already delivered (spec.md §4.2).
	DiscardDelivered bool

	// MaxSuspectsListSize records the suspects-list bound (default 40).
	// The grouprequest package does not read it: a Request takes its bound
	// from grouprequest.WithMaxSuspects, which itself defaults to 40.
	MaxSuspectsListSize int

	Logger Logger
}

// DefaultConfiguration returns a Configuration with spec.md's documented
// defaults, named for a single channel/cluster.
func DefaultConfiguration(name string, log Logger) *Configuration {
	return &Configuration{
		Name:                  name,
		MinProtocolVersion:    "1.0.0",
		Retransmit:            DefaultRetransmitSchedule(),
		GCLag:                 0,
		MaxXmitSize:           64 * 1024,
		MaxBufSize:            0,
		FlushTimeout:          8 * time.Second,
		BlockTimeout:          5 * time.Second,
		MaxRebroadcastTimeout: 10 * time.Second,
		XmitFromRandomMember:  false,
		UseMcastXmit:          false,
		DiscardDelivered:      true,
		MaxSuspectsListSize:   40,
		Logger:                log,
	}
}

// Normalize enforces cross-field invariants, such as forcing
// DiscardDelivered false whenever XmitFromRandomMember is set.
func (c *Configuration) Normalize() {
	if c.XmitFromRandomMember {
		c.DiscardDelivered = false
	}
	if c.MaxSuspectsListSize <= 0 {
		c.MaxSuspectsListSize = 40
	}
}
