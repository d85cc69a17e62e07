package csync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenerRegistration_AdmitStrictlyIncreasing(t *testing.T) {
	reg := newListenerRegistration(NewKey("tests.*"), func(error, *Value) {})

	assert.True(t, reg.admit("tests.a", 1))
	assert.False(t, reg.admit("tests.a", 1))
	assert.False(t, reg.admit("tests.a", 0))
	assert.True(t, reg.admit("tests.a", 2))

	// Independent per concrete key.
	assert.True(t, reg.admit("tests.b", 1))
}

func TestListenerRegistration_Reset(t *testing.T) {
	reg := newListenerRegistration(NewKey("tests.*"), func(error, *Value) {})
	assert.True(t, reg.admit("tests.a", 5))
	reg.reset()
	assert.True(t, reg.admit("tests.a", 5))
}
