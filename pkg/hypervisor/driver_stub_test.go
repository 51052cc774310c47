//go:build !darwin

package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBackendUnsupported(t *testing.T) {
	b, err := NewBackend()
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.False(t, SupportedPlatform())
}
