package relay

// deliveredCap bounds the duplicate-suppression cache. A thousand ids
// covers hours of traffic on any realistic conversation load while
// keeping the memory footprint trivial.
const deliveredCap = 1000

// deliveredSet is a bounded insertion-ordered set of outbound message
// ids that were handed to the platform, whether or not their ack made
// it to the cloud. Membership means "do not deliver again; re-ack".
//
// The set is owned exclusively by the outbound poller goroutine and is
// deliberately not safe for concurrent use.
type deliveredSet struct {
	ids   map[string]struct{}
	order []string
	cap   int
}

func newDeliveredSet() *deliveredSet {
	return &deliveredSet{
		ids: make(map[string]struct{}, deliveredCap),
		cap: deliveredCap,
	}
}

// Has reports whether id was already delivered.
func (s *deliveredSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add inserts id, evicting the oldest entry when the set is full.
// Re-adding an existing id is a no-op.
func (s *deliveredSet) Add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// Len returns the current set size.
func (s *deliveredSet) Len() int { return len(s.ids) }
