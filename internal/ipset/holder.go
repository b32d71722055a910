package ipset

import "sync/atomic"

var empty = &Set{}

// Holder publishes the current version of a set. Rebuilds store a new *Set;
// readers that already loaded the previous one keep using it unchanged.
type Holder struct {
	p atomic.Pointer[Set]
}

func (h *Holder) Load() *Set {
	if s := h.p.Load(); s != nil {
		return s
	}
	return empty
}

func (h *Holder) Store(s *Set) {
	if s == nil {
		s = empty
	}
	h.p.Store(s)
}

// Swap stores s and returns the previous set.
func (h *Holder) Swap(s *Set) *Set {
	if s == nil {
		s = empty
	}
	if old := h.p.Swap(s); old != nil {
		return old
	}
	return empty
}
