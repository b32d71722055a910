// Package ipset answers "is this address in this set of addresses and CIDR
// networks" for IPv4 and IPv6.
//
// A set is built once from strings, aggregated into its minimal binary trie
// (covered subnets dropped, complete sibling pairs merged into their parent)
// and is read-only afterwards. Rebuilding produces a new *Set; Holder swaps
// it in atomically.
//
// The compiled trie serializes to a versioned JSON document so it can be
// cached and reloaded without parsing or aggregating the entries again:
//
//	{
//	  "format": "ipset-trie",
//	  "version": 1,
//	  "ipv4": {"all": false, "nodes": [[1, 0], [0, -1]]},
//	  "ipv6": {"all": false, "nodes": []}
//	}
//
// Each node is a [zero, one] pair. A child of 0 is absent, -1 covers every
// address below that edge, and a positive value is the index of another
// node, always greater than its parent's. nodes[0] is the root; "all" marks
// a family covered entirely (0.0.0.0/0 or ::/0).
package ipset
