package types

import "fmt"

// ViewId is a monotonically increasing pair of (coordinator, counter).
// Two view ids only compare equal when both fields match; ordering between
// views from different coordinators is undefined and callers must not rely
// on it -- only the counter within a single coordinator's lineage is
// meaningful.
type ViewId struct {
	Coordinator Address
	Counter     uint64
}

func (v ViewId) String() string {
	return fmt.Sprintf("%s:%d", v.Coordinator, v.Counter)
}

// Equal reports whether two view ids name the same view.
func (v ViewId) Equal(other ViewId) bool {
	return v.Coordinator == other.Coordinator && v.Counter == other.Counter
}

// Next produces the successor view id for a new view installed by the
// given coordinator.
func (v ViewId) Next(coordinator Address) ViewId {
	return ViewId{Coordinator: coordinator, Counter: v.Counter + 1}
}

// View is an immutable, ordered membership snapshot. Members[0] is always
// the coordinator.
type View struct {
	Id      ViewId
	Members []Address

	// Merge marks a view as having been produced by fusing two or more
	// previously disjoint subgroups, per spec.md's MergeView.
	Merge bool
}

// NewView builds a view with members sorted so the coordinator (smallest
// address) is first.
func NewView(id ViewId, members []Address) View {
	sorted := SortAddresses(members)
	return View{Id: id, Members: sorted}
}

// NewMergeView is like NewView but tags the result as a merge view.
func NewMergeView(id ViewId, members []Address) View {
	v := NewView(id, members)
	v.Merge = true
	return v
}

// Coordinator returns the view's coordinator, the first member.
func (v View) Coordinator() Address {
	if len(v.Members) == 0 {
		return ""
	}
	return v.Members[0]
}

// Contains reports whether addr is a member of the view.
func (v View) Contains(addr Address) bool {
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// Without returns a copy of the view's member list with addr removed. The
// view id is unchanged -- callers installing a new view must compute a new
// ViewId themselves; Without is a membership-set helper only.
func (v View) Without(addr Address) []Address {
	out := make([]Address, 0, len(v.Members))
	for _, m := range v.Members {
		if m != addr {
			out = append(out, m)
		}
	}
	return out
}

// Size returns the number of members in the view.
func (v View) Size() int {
	return len(v.Members)
}
