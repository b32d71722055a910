package ipset

import (
	"errors"
	"log/slog"
	"net/netip"
	"strings"
)

// Set is an immutable collection of IPv4 and IPv6 prefixes. A nil *Set is
// the empty set. All methods are safe for concurrent use.
type Set struct {
	v4 tree
	v6 tree
}

type Option func(*builder)

// WithLogger logs every rejected entry at warn level.
func WithLogger(log *slog.Logger) Option {
	return func(b *builder) { b.log = log }
}

type builder struct {
	log  *slog.Logger
	root [2]*buildNode
	errs []error
}

// add inserts one entry. Blank lines and '#' comments are ignored.
func (b *builder) add(text string) error {
	s := strings.TrimSpace(text)
	if s == "" || strings.HasPrefix(s, "#") {
		return nil
	}
	e, err := parseEntry(s)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Input = text
		}
		b.errs = append(b.errs, err)
		if b.log != nil {
			msg := "ipset: bad address"
			if errors.Is(err, ErrBadMask) {
				msg = "ipset: bad mask"
			}
			b.log.Warn(msg, slog.String("entry", text))
		}
		return err
	}
	b.root[e.Family].insert(e.Key, e.Bits)
	return nil
}

func (b *builder) set() *Set {
	b.root[V4].aggregate()
	b.root[V6].aggregate()
	return &Set{v4: freeze(b.root[V4]), v6: freeze(b.root[V6])}
}

func newBuilder(opts []Option) *builder {
	b := &builder{root: [2]*buildNode{{}, {}}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// New builds a set from address and CIDR strings. Invalid entries are
// skipped and returned as *ParseError values in input order; the set is
// always usable.
func New(entries []string, opts ...Option) (*Set, []error) {
	b := newBuilder(opts)
	for _, e := range entries {
		_ = b.add(e)
	}
	return b.set(), b.errs
}

// Match reports whether the address text is in the set. Text that is not a
// bare IPv4 or IPv6 address never matches.
func (s *Set) Match(text string) bool {
	if s == nil {
		return false
	}
	k, fam, ok := parseAddr(strings.TrimSpace(text))
	if !ok {
		return false
	}
	return s.tree(fam).contains(k, fam.Bits())
}

// Contains reports whether addr is in the set. IPv4-mapped IPv6 addresses are
// looked up in the IPv6 tree.
func (s *Set) Contains(addr netip.Addr) bool {
	if s == nil {
		return false
	}
	k, fam, ok := keyOf(addr)
	if !ok {
		return false
	}
	return s.tree(fam).contains(k, fam.Bits())
}

func (s *Set) tree(f Family) *tree {
	if f == V6 {
		return &s.v6
	}
	return &s.v4
}

// Prefixes returns the aggregated prefixes, IPv4 first, each family in
// address order.
func (s *Set) Prefixes() []netip.Prefix {
	if s == nil {
		return nil
	}
	var out []netip.Prefix
	for _, f := range []Family{V4, V6} {
		s.tree(f).walk(func(k Key, bits int) {
			out = append(out, prefixOf(f, k, bits))
		})
	}
	return out
}

func (s *Set) Empty() bool {
	return s == nil || (!s.v4.all && !s.v6.all && len(s.v4.nodes) == 0 && len(s.v6.nodes) == 0)
}

type Stats struct {
	V4Prefixes int `json:"ipv4_prefixes"`
	V6Prefixes int `json:"ipv6_prefixes"`
	V4Nodes    int `json:"ipv4_nodes"`
	V6Nodes    int `json:"ipv6_nodes"`
}

func (s *Set) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		V4Prefixes: s.v4.prefixCount(),
		V6Prefixes: s.v6.prefixCount(),
		V4Nodes:    len(s.v4.nodes),
		V6Nodes:    len(s.v6.nodes),
	}
}
