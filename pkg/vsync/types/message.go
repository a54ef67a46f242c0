package types

// Seqno is a per-sender monotonic sequence number. It starts at 0 and must
// never wrap: a sender that would overflow a Seqno is a programming error,
// not a recoverable condition (see spec.md §8, "seqno wraparound at 2^63").
type Seqno uint64

// UID identifies a single multicast or unicast request end-to-end.
type UID string

// HeaderSet carries the typed per-protocol headers attached to a Message.
// A message with none of these set is not addressed to that layer and is
// passed through unchanged (spec.md §7, "header absent on MSG").
type HeaderSet struct {
	NakAck       *NakAckHeader
	Flush        *FlushHeader
	GroupRequest *GroupRequestHeader
}

// Message is the uniform payload carried through the stack. Destination
// being empty means multicast to the whole view.
type Message struct {
	Source      Address
	Destination []Address
	Headers     HeaderSet
	Payload     []byte

	// OOB marks a message exempt from per-sender FIFO delivery order
	// (spec.md §4.1, "OOB messages").
	OOB bool
}

// IsMulticast reports whether the message has no explicit destination.
func (m Message) IsMulticast() bool {
	return len(m.Destination) == 0
}
