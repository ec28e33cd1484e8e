package pointers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointers(t *testing.T) {
	qos := To(byte(2))
	assert.Equal(t, byte(2), *qos)
	assert.Equal(t, byte(2), ValueOr(qos, 1))
	assert.Equal(t, byte(1), ValueOr[byte](nil, 1))
	assert.Equal(t, "a", ValueOr(To("a"), "b"))
}
