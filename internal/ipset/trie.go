package ipset

// buildNode is the mutable trie used while a set is being constructed.
// A terminal node never has children.
type buildNode struct {
	child [2]*buildNode
	term  bool
}

func (n *buildNode) insert(k Key, bits int) {
	for i := 0; i < bits; i++ {
		if n.term {
			// already covered by a supernet
			return
		}
		b := k.bit(i)
		if n.child[b] == nil {
			n.child[b] = &buildNode{}
		}
		n = n.child[b]
	}
	n.term = true
	n.child = [2]*buildNode{}
}

// aggregate collapses sibling-complete pairs bottom-up and reports whether
// n is terminal afterwards.
func (n *buildNode) aggregate() bool {
	if n == nil {
		return false
	}
	if n.term {
		return true
	}
	zero := n.child[0].aggregate()
	one := n.child[1].aggregate()
	if zero && one {
		n.term = true
		n.child = [2]*buildNode{}
	}
	return n.term
}

const (
	noChild   int32 = 0
	termChild int32 = -1
)

// node is one internal node of a frozen tree. Children are noChild,
// termChild, or the index of another internal node. nodes[0] is the root.
type node struct {
	child [2]int32
}

// tree is the read-only form of one family.
type tree struct {
	all   bool
	nodes []node
}

func freeze(root *buildNode) tree {
	if root.term {
		return tree{all: true}
	}
	if root.child[0] == nil && root.child[1] == nil {
		return tree{}
	}
	var t tree
	t.emit(root)
	return t
}

func (t *tree) emit(n *buildNode) int32 {
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{})
	for b, c := range n.child {
		var v int32
		switch {
		case c == nil:
			v = noChild
		case c.term:
			v = termChild
		default:
			v = t.emit(c)
		}
		t.nodes[idx].child[b] = v
	}
	return idx
}

func (t *tree) contains(k Key, width int) bool {
	if t.all {
		return true
	}
	if len(t.nodes) == 0 {
		return false
	}
	idx := int32(0)
	for i := 0; i < width; i++ {
		switch c := t.nodes[idx].child[k.bit(i)]; c {
		case termChild:
			return true
		case noChild:
			return false
		default:
			idx = c
		}
	}
	return false
}

// walk calls fn for every terminal prefix in address order.
func (t *tree) walk(fn func(k Key, bits int)) {
	if t.all {
		fn(Key{}, 0)
		return
	}
	if len(t.nodes) == 0 {
		return
	}
	t.walkFrom(0, Key{}, 0, fn)
}

func (t *tree) walkFrom(idx int32, path Key, depth int, fn func(k Key, bits int)) {
	for b, c := range t.nodes[idx].child {
		if c == noChild {
			continue
		}
		next := path
		if b == 1 {
			next.setBit(depth)
		}
		if c == termChild {
			fn(next, depth+1)
			continue
		}
		t.walkFrom(c, next, depth+1, fn)
	}
}

func (t *tree) prefixCount() int {
	n := 0
	t.walk(func(Key, int) { n++ })
	return n
}
