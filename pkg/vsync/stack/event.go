// Package stack implements the event pipeline abstraction from spec.md §9
// ("dynamic dispatch on protocol chains"): each protocol is a value with
// two methods, HandleUp and HandleDown, and the chain is a vector of such
// values built at configuration time -- no subtype polymorphism beyond
// that pair. It also declares the Transport/FailureDetector collaborator
// interfaces from spec.md §6.
package stack

import "github.com/jabolina/vsync-core/pkg/vsync/types"

// Kind enumerates the event kinds consumed from below/above, named after
// spec.md §6.
type Kind int

const (
	KindMsg Kind = iota
	KindViewChange
	KindTmpView
	KindSuspect
	KindSetLocalAddress
	KindConfig
	KindGetDigest
	KindGetDigestStable
	KindSetDigest
	KindMergeDigest
	KindStable
	KindRebroadcast
	KindDisconnect
	KindSuspend
	KindResume
	KindSuspendOk
	KindBlock
	KindBlockOk
	KindUnblock
	KindBecomeServer
	KindEnableUnicastsTo
	KindDisableUnicastsTo
)

func (k Kind) String() string {
	names := [...]string{
		"MSG", "VIEW_CHANGE", "TMP_VIEW", "SUSPECT", "SET_LOCAL_ADDRESS",
		"CONFIG", "GET_DIGEST", "GET_DIGEST_STABLE", "SET_DIGEST",
		"MERGE_DIGEST", "STABLE", "REBROADCAST", "DISCONNECT", "SUSPEND",
		"RESUME", "SUSPEND_OK", "BLOCK", "BLOCK_OK", "UNBLOCK",
		"BECOME_SERVER", "ENABLE_UNICASTS_TO", "DISABLE_UNICASTS_TO",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "UNKNOWN"
	}
	return names[k]
}

// Event is the uniform unit of information passed between components and
// the external transport/failure-detector collaborators (spec.md §2, §6).
// Exactly one of the payload fields is populated per Kind; which one is
// documented alongside each Kind's producer.
type Event struct {
	Kind Kind

	Message types.Message
	View    types.View
	Address types.Address

	// Digest carries GET_DIGEST/GET_DIGEST_STABLE/SET_DIGEST/MERGE_DIGEST
	// payloads.
	Digest types.Digest

	// TargetDigest is the REBROADCAST goal digest.
	TargetDigest types.Digest

	// Config carries CONFIG payloads: currently just the negotiated
	// max_bundle_size, read by NAKACK to size max_xmit_size (spec.md §6).
	Config map[string]interface{}

	// Done, when non-nil, lets the emitter of a SUSPEND/REBROADCAST/GET_STATE
	// style event observe a boolean outcome without exceptions-as-control-flow
	// (spec.md §9): timed waits return a boolean instead of throwing.
	Done chan bool
}
