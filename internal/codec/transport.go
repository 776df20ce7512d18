package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded    = errors.New("payload exceeds transport capacity")
	ErrDecodeFailure       = errors.New("malformed transport encoding")
	ErrVerificationFailure = errors.New("payload failed schema verification")
)

// DefaultMaxPayload matches the page size the gateway was sized for.
const DefaultMaxPayload = 64 * 1024

var enc = base64.StdEncoding

// Codec converts binary payloads to and from the printable wire form.
type Codec struct {
	maxPayload int
}

func New(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{maxPayload: maxPayload}
}

// MaxPayload is the largest decoded payload the codec accepts.
func (c *Codec) MaxPayload() int { return c.maxPayload }

// MaxEncodedLen is the longest wire text that can decode within MaxPayload.
func (c *Codec) MaxEncodedLen() int { return enc.EncodedLen(c.maxPayload) }

func (c *Codec) Encode(b []byte) ([]byte, error) {
	if len(b) > c.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrCapacityExceeded, len(b), c.maxPayload)
	}
	out := make([]byte, enc.EncodedLen(len(b)))
	enc.Encode(out, b)
	return out, nil
}

func (c *Codec) Decode(text []byte) ([]byte, error) {
	if len(text) > c.MaxEncodedLen()+2 {
		// +2 tolerates a trailing CRLF, which the decoder skips
		return nil, fmt.Errorf("%w: %d encoded bytes, limit %d", ErrCapacityExceeded, len(text), c.MaxEncodedLen())
	}
	out := make([]byte, enc.DecodedLen(len(text)))
	n, err := enc.Decode(out, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if n > c.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrCapacityExceeded, n, c.maxPayload)
	}
	return out[:n], nil
}
