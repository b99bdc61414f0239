package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContactLimiterPerContact(t *testing.T) {
	l := NewContactLimiter(0.001, 2)

	assert.True(t, l.Allow("+1000"))
	assert.True(t, l.Allow("+1000"))
	assert.False(t, l.Allow("+1000"), "burst exhausted")
	assert.True(t, l.Allow("+2000"), "other contacts keep their own budget")
}

func TestContactLimiterDisabled(t *testing.T) {
	l := NewContactLimiter(0, 0)
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("+1000"))
	}
}
