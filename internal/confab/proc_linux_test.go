//go:build linux

package confab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResidentBytes(t *testing.T) {
	n, ok := residentBytes()
	assert.True(t, ok)
	assert.Greater(t, n, uint64(0))
}
