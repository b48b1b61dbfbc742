package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abcd"))
	assert.Equal(t, "abcd****", MaskSecret("abcdefgh"))
}
