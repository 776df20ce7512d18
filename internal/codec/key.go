package codec

import (
	"fmt"
	"strconv"
)

// keyWidth is the number of hex digits in a canonical key.
const keyWidth = 16

// FormatKey returns the canonical text form of an asset or list key.
func FormatKey(k uint64) string {
	const digits = "0123456789abcdef"
	var b [keyWidth]byte
	for i := keyWidth - 1; i >= 0; i-- {
		b[i] = digits[k&0xf]
		k >>= 4
	}
	return string(b[:])
}

// ParseKey parses the canonical text form produced by FormatKey. Anything
// else, including upper case digits, is rejected so that
// FormatKey(ParseKey(s)) == s holds for every accepted s.
func ParseKey(s string) (uint64, error) {
	if len(s) != keyWidth {
		return 0, fmt.Errorf("key %q: want %d hex digits", s, keyWidth)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return 0, fmt.Errorf("key %q: invalid digit %q", s, c)
		}
	}
	return strconv.ParseUint(s, 16, 64)
}

// Record is the result of a Store lookup. An empty Record means not found.
type Record []byte

func (r Record) Empty() bool { return len(r) == 0 }

// Pair is one list item: a continuation token and the key it maps to.
type Pair struct {
	Token uint64
	Value uint64
}

func (p Pair) String() string { return FormatKey(p.Token) + " " + FormatKey(p.Value) }
