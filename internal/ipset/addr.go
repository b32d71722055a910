package ipset

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family is an address family. Keys of different families never match each other.
type Family uint8

const (
	V4 Family = iota
	V6
)

func (f Family) String() string {
	if f == V6 {
		return "ipv6"
	}
	return "ipv4"
}

// Bits is the key width of the family.
func (f Family) Bits() int {
	if f == V6 {
		return 128
	}
	return 32
}

var (
	ErrBadAddress = errors.New("bad address")
	ErrBadMask    = errors.New("bad mask")
)

// ParseError describes one entry that could not be added to a set.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ipset: %s: %q", e.Err, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Key is an address stored most significant bit first. V4 keys use the
// first four bytes only.
type Key [16]byte

func (k Key) bit(i int) int {
	return int(k[i>>3]>>(7-uint(i&7))) & 1
}

func (k *Key) setBit(i int) {
	k[i>>3] |= 1 << (7 - uint(i&7))
}

// Entry is one parsed input line.
type Entry struct {
	Family Family
	Key    Key
	Bits   int
}

func parseEntry(text string) (Entry, error) {
	s := strings.TrimSpace(text)
	addrText, maskText, hasMask := strings.Cut(s, "/")

	key, fam, ok := parseAddr(addrText)
	if !ok {
		return Entry{}, &ParseError{Input: text, Err: ErrBadAddress}
	}

	bits := fam.Bits()
	if hasMask {
		n, ok := parseMask(maskText, bits)
		if !ok {
			return Entry{}, &ParseError{Input: text, Err: ErrBadMask}
		}
		bits = n
	}
	return Entry{Family: fam, Key: key, Bits: bits}, nil
}

// parseMask accepts only plain decimal digits, so "-1", "+8" and "" are rejected.
func parseMask(s string, max int) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > max {
		return 0, false
	}
	return n, true
}

// parseAddr parses a bare address. The family comes from the syntax, so
// "::ffff:10.0.0.1" is an IPv6 key.
func parseAddr(s string) (Key, Family, bool) {
	var k Key
	if s == "" {
		return k, V4, false
	}
	isV6 := strings.IndexByte(s, ':') >= 0
	if isV6 && strings.IndexByte(s, '%') >= 0 {
		return k, V6, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return k, V4, false
	}
	if isV6 {
		return addr.As16(), V6, true
	}
	if !addr.Is4() {
		return k, V4, false
	}
	a4 := addr.As4()
	copy(k[:], a4[:])
	return k, V4, true
}

// ValidAddr reports whether text is a bare address that Match can look up.
func ValidAddr(text string) bool {
	_, _, ok := parseAddr(strings.TrimSpace(text))
	return ok
}

func keyOf(addr netip.Addr) (Key, Family, bool) {
	var k Key
	switch {
	case addr.Is4():
		a4 := addr.As4()
		copy(k[:], a4[:])
		return k, V4, true
	case addr.Is6():
		return addr.WithZone("").As16(), V6, true
	}
	return k, V4, false
}

func prefixOf(fam Family, k Key, bits int) netip.Prefix {
	if fam == V4 {
		return netip.PrefixFrom(netip.AddrFrom4([4]byte(k[:4])), bits)
	}
	return netip.PrefixFrom(netip.AddrFrom16(k), bits)
}
