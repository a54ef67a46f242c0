package types

// ResponseRecord is a per-recipient entry in a group request's response
// table. Received and Suspected are never simultaneously true (spec.md §3).
type ResponseRecord struct {
	Sender    Address
	Value     interface{}
	Received  bool
	Suspected bool
}

// MarkReceived records a value arriving from the sender, clearing any
// stale suspicion.
func (r *ResponseRecord) MarkReceived(value interface{}) {
	r.Value = value
	r.Received = true
	r.Suspected = false
}

// MarkSuspected flags the sender as suspected and clears its value. It
// does nothing for a sender whose reply was already received, so Received
// and Suspected never hold together; a reply arriving after suspicion goes
// through MarkReceived, which clears the suspicion.
func (r *ResponseRecord) MarkSuspected() {
	if r.Received {
		return
	}
	r.Suspected = true
	r.Value = nil
}
