package setcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Cache stores serialized compiled sets.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Close() error
}

// Digest identifies an entry list independent of its order.
func Digest(entries []string) string {
	sorted := make([]string, 0, len(entries))
	for _, e := range entries {
		if s := strings.TrimSpace(e); s != "" {
			sorted = append(sorted, s)
		}
	}
	sort.Strings(sorted)
	h := sha256.New()
	// length-prefixed so an entry containing a separator cannot pose as two
	for _, s := range sorted {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func Key(prefix, name, digest string) string {
	return prefix + name + ":" + digest
}

type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Nop) Put(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Close() error                                             { return nil }
