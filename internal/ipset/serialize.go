package ipset

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	docFormat  = "ipset-trie"
	docVersion = 1
)

var ErrBadDocument = errors.New("ipset: bad serialized set")

type document struct {
	Format  string  `json:"format"`
	Version int     `json:"version"`
	V4      treeDoc `json:"ipv4"`
	V6      treeDoc `json:"ipv6"`
}

// treeDoc lists internal nodes as [zero, one] child pairs: 0 is no child,
// -1 a covered (terminal) child, n > 0 the index of another node.
type treeDoc struct {
	All   bool       `json:"all"`
	Nodes [][2]int32 `json:"nodes"`
}

func (s *Set) MarshalJSON() ([]byte, error) {
	if s == nil {
		s = &Set{}
	}
	return json.Marshal(document{
		Format:  docFormat,
		Version: docVersion,
		V4:      s.v4.doc(),
		V6:      s.v6.doc(),
	})
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var d document
	if err := json.Unmarshal(b, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDocument, err)
	}
	if d.Format != docFormat {
		return fmt.Errorf("%w: format %q", ErrBadDocument, d.Format)
	}
	if d.Version != docVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadDocument, d.Version)
	}
	v4, err := d.V4.tree(V4)
	if err != nil {
		return err
	}
	v6, err := d.V6.tree(V6)
	if err != nil {
		return err
	}
	s.v4, s.v6 = v4, v6
	return nil
}

// Parse decodes a set produced by MarshalJSON.
func Parse(b []byte) (*Set, error) {
	s := &Set{}
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *tree) doc() treeDoc {
	d := treeDoc{All: t.all, Nodes: make([][2]int32, len(t.nodes))}
	for i, n := range t.nodes {
		d.Nodes[i] = n.child
	}
	return d
}

func (d treeDoc) tree(fam Family) (tree, error) {
	bad := func(format string, args ...any) (tree, error) {
		return tree{}, fmt.Errorf("%w: %s: %s", ErrBadDocument, fam, fmt.Sprintf(format, args...))
	}
	if d.All {
		if len(d.Nodes) != 0 {
			return bad("all set with %d nodes", len(d.Nodes))
		}
		return tree{all: true}, nil
	}

	n := len(d.Nodes)
	depth := make([]int, n)
	seen := make([]bool, n)
	nodes := make([]node, n)
	for i, pair := range d.Nodes {
		if i > 0 && !seen[i] {
			return bad("node %d unreachable", i)
		}
		if pair[0] == noChild && pair[1] == noChild {
			return bad("node %d has no children", i)
		}
		if pair[0] == termChild && pair[1] == termChild {
			return bad("node %d is not aggregated", i)
		}
		if depth[i] >= fam.Bits() {
			return bad("node %d deeper than %d bits", i, fam.Bits())
		}
		for _, c := range pair {
			if c == noChild || c == termChild {
				continue
			}
			if c <= int32(i) || int(c) >= n {
				return bad("node %d has invalid child %d", i, c)
			}
			if seen[c] {
				return bad("node %d referenced twice", c)
			}
			seen[c] = true
			depth[c] = depth[i] + 1
		}
		nodes[i] = node{child: pair}
	}
	return tree{nodes: nodes}, nil
}
