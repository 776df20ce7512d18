package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New(4096)
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{0, 1, 2, 3, 4, 5, 100, 4095, 4096} {
		b := make([]byte, n)
		rng.Read(b)
		text, err := c.Encode(b)
		require.NoError(t, err)
		got, err := c.Decode(text)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(b, got), "size %d", n)
	}
}

func TestEncodeIsPrintable(t *testing.T) {
	text, err := New(0).Encode([]byte{0, 1, 2, 0xff, 0xfe, '\n'})
	require.NoError(t, err)
	for _, c := range text {
		assert.True(t, c >= 0x21 && c <= 0x7e, "byte %q", c)
	}
}

func TestEncodeOverCapacity(t *testing.T) {
	c := New(16)
	_, err := c.Encode(make([]byte, 17))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestDecodeOverCapacity(t *testing.T) {
	big, err := New(1024).Encode(make([]byte, 1024))
	require.NoError(t, err)
	_, err = New(16).Decode(big)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestDecodeMalformed(t *testing.T) {
	c := New(0)
	for _, in := range []string{"@@@@", "abc", "a===", "Zm9v!"} {
		_, err := c.Decode([]byte(in))
		assert.ErrorIs(t, err, ErrDecodeFailure, in)
	}
}

func TestDecodeToleratesTrailingNewline(t *testing.T) {
	got, err := New(0).Decode([]byte("Zm9v\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "foo", string(got))
}
