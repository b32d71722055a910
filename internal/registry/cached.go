package registry

import (
	"encoding/json"
	"errors"

	"github.com/3xpluto/go-ipset/internal/ipset"
)

// cachedSet is what the registry keeps in the set cache: the serialized
// trie plus the warnings of the compile that produced it, by kind.
type cachedSet struct {
	Warnings map[string]int `json:"warnings,omitempty"`
	Set      *ipset.Set     `json:"set"`
}

func marshalCached(s *ipset.Set, warnings map[string]int) ([]byte, error) {
	return json.Marshal(cachedSet{Warnings: warnings, Set: s})
}

func unmarshalCached(b []byte) (*ipset.Set, map[string]int, error) {
	var c cachedSet
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, nil, err
	}
	if c.Set == nil {
		return nil, nil, ipset.ErrBadDocument
	}
	return c.Set, c.Warnings, nil
}

func warningKinds(errs []error) map[string]int {
	if len(errs) == 0 {
		return nil
	}
	kinds := make(map[string]int, 2)
	for _, err := range errs {
		kind := "bad_address"
		if errors.Is(err, ipset.ErrBadMask) {
			kind = "bad_mask"
		}
		kinds[kind]++
	}
	return kinds
}

func total(kinds map[string]int) int {
	n := 0
	for _, c := range kinds {
		n += c
	}
	return n
}
