package types

// DataHolder is an opaque unit of application state, used by the state
// transfer supplement (spec.md §4.3 "state transfer", §8 scenario S6).
// Adapted from the teacher's types.DataHolder.
type DataHolder struct {
	Key        []byte
	Content    []byte
	Extensions []byte
}

// StorageEntry is a single persisted record, adapted from the teacher's
// types.StorageEntry.
type StorageEntry struct {
	Key   UID
	Value DataHolder
}

// Storage is the stable-storage collaborator behind state transfer. Unlike
// the teacher's Storage (which also backs ordinary command replication),
// here it only exists to give GetState/SetState something concrete to
// stream, since spec.md treats the state serialization format itself as
// an external collaborator.
type Storage interface {
	Set(entry StorageEntry) error
	Get() ([]StorageEntry, error)
	Dump() ([]byte, error)
	Load(data []byte) error
}

// StateProvider is the application-level collaborator named in spec.md §6
// ("Application contract ... GET_STATE") and exercised end-to-end in
// scenario S6: the provider streams its state to a joiner, and the
// joiner's SetState receives exactly what was streamed.
type StateProvider interface {
	GetState() ([]byte, error)
	SetState(data []byte) error
}
