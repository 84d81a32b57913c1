package vqetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAbsAddSub(t *testing.T) {
	a := AbsFromTime(time.Unix(1000, 0))
	b := a.Add(RelFromMillis(1500))
	require.Equal(t, RelFromMillis(1500), b.Sub(a))
}

func TestNTPRoundTrip(t *testing.T) {
	in := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := EncodeNTP(in).Time()
	require.WithinDuration(t, in, out, time.Millisecond)
}

func TestPCRDeltaChoosesSmallerMagnitude(t *testing.T) {
	require.Equal(t, int64(100), PCRDelta(0, 100))
	require.Equal(t, int64(-100), PCRDelta(100, 0))

	// wraparound: base near max uint32, cur wrapped around to small value
	require.Equal(t, int64(200), PCRDelta(PCR(0xFFFFFF9C), 100)) // 0xFFFFFF9C + 200 wraps to 100
}

func TestRelMultSaturates(t *testing.T) {
	r := Rel(1 << 40)
	out := r.Mult(1 << 40)
	require.Equal(t, Rel(1<<63-1), out)
}
