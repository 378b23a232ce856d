package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	a := WithPrefix("rfd_")
	b := WithPrefix("rfd_")
	assert.True(t, strings.HasPrefix(a, "rfd_"))
	assert.Len(t, a, len("rfd_")+32)
	assert.NotEqual(t, a, b)
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	k1 := IdempotencyKey("refund", "rfd_1")
	k2 := IdempotencyKey("refund", "rfd_1")
	k3 := IdempotencyKey("refund", "rfd_2")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
