package entropy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandom32VariesByType(t *testing.T) {
	a := Random32(1)
	b := Random32(2)
	// extremely unlikely to collide; guards against the type discriminator
	// being silently ignored
	require.NotEqual(t, a, b)
}

func TestReduceIsDeterministic(t *testing.T) {
	d := Seed(7)
	require.Equal(t, d.Reduce(), d.Reduce())
}
