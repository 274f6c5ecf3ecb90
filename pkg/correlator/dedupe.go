package correlator

// recentSet remembers the last n keys. The oldest key is forgotten first.
// Not safe for concurrent use.
type recentSet struct {
	keys  map[string]struct{}
	ring  []string
	next  int
	count int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{
		keys: make(map[string]struct{}, n),
		ring: make([]string, n),
	}
}

// add records key and reports whether it was new.
func (s *recentSet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if s.count == len(s.ring) {
		delete(s.keys, s.ring[s.next])
	} else {
		s.count++
	}
	s.ring[s.next] = key
	s.keys[key] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}

func (s *recentSet) len() int { return s.count }
