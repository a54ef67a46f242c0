package nakack

import (
	"sync"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// sentTable is the ordered mapping seqno -> message that NAKACK owns for
// every message the local process has multicast since the last reset
// (spec.md §3). Writers are: append (on multicast), truncate (on
// STABLE(digest)), and reset (on DISCONNECT).
type sentTable struct {
	mu      sync.Mutex
	entries map[types.Seqno]types.Message
}

func newSentTable() *sentTable {
	return &sentTable{entries: make(map[types.Seqno]types.Message)}
}

func (s *sentTable) append(seqno types.Seqno, msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[seqno] = msg
}

// truncate drops every entry with seqno <= upTo.
func (s *sentTable) truncate(upTo types.Seqno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seqno := range s.entries {
		if seqno <= upTo {
			delete(s.entries, seqno)
		}
	}
}

func (s *sentTable) get(seqno types.Seqno) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[seqno]
	return m, ok
}

// rangeMessages returns the messages within [low, high], in seqno order,
// skipping any seqno no longer retained.
func (s *sentTable) rangeMessages(low, high types.Seqno) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Message
	for seqno := low; seqno <= high; seqno++ {
		if m, ok := s.entries[seqno]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *sentTable) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[types.Seqno]types.Message)
}

// highest returns the greatest retained seqno, or 0 if empty.
func (s *sentTable) highest() types.Seqno {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h types.Seqno
	for seqno := range s.entries {
		if seqno > h {
			h = seqno
		}
	}
	return h
}
