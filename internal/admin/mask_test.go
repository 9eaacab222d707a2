package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskLongToken(t *testing.T) {
	assert.Equal(t, "abcdef…4321", mask("abcdef1234567890wxyz4321"))
}

func TestMaskShortTokenIsFullyHidden(t *testing.T) {
	assert.Equal(t, "…", mask("short"))
}
