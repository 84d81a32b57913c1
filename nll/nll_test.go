package nll

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wmanley/vqe-receiver/vqetime"
)

func TestNonTrackingStart(t *testing.T) {
	n := New(90000, nil)
	predicted, disc := n.Adjust(0, 0, 0, false)
	require.True(t, disc)
	require.False(t, predicted.IsZero())
	require.Equal(t, Nontracking, n.Mode())
}

func TestTrackingSwitchWithZeroActual(t *testing.T) {
	n := New(90000, nil)
	n.Adjust(0, 0, 0, false)

	n.SetTrackingMode()
	predicted, _ := n.Adjust(0, 0, vqetime.RelFromMillis(1), false)

	require.Equal(t, Tracking, n.Mode())
	require.Equal(t, vqetime.Rel(0), n.primaryOffset)
	require.Equal(t, n.predBase, predicted)
}

func TestImplicitDiscInTracking(t *testing.T) {
	n := New(90000, nil)
	first, _ := n.Adjust(0, 0, 0, false)
	n.SetTrackingMode()
	n.Adjust(0, 0, vqetime.RelFromMillis(1), false)

	actual := first.Add(vqetime.RelFromMillis(1000))
	_, disc := n.Adjust(actual, 90_000_000, vqetime.RelFromMillis(1000), false)

	require.True(t, disc)
	require.Equal(t, uint32(1), n.Counters().NumImpDisc)
	require.Equal(t, vqetime.Rel(0), n.errorAvg)
	require.Equal(t, actual, n.predBase)
}

func TestMonotonicityGuard(t *testing.T) {
	n := New(90000, nil)
	n.Adjust(0, 0, 0, false)
	n.SetTrackingMode()
	n.Adjust(vqetime.Now(), 90000, vqetime.RelFromMillis(1), false)

	prev := n.predBase
	// feed an actual time far in the past: arrival error exceeds bound,
	// base resets to the (earlier) actual time, which must not be
	// retained because it would fold the prediction backward.
	past := prev.Add(vqetime.RelFromMillis(-500))
	predicted, _ := n.Adjust(past, 90000+4500, vqetime.RelFromMillis(50), false)

	require.False(t, predicted.Before(prev))
	require.Equal(t, uint32(1), n.Counters().PredictInPast)
}

func TestExplicitDiscontinuityIncrementsExpCounter(t *testing.T) {
	n := New(90000, nil)
	n.Adjust(0, 0, 0, true)
	require.Equal(t, uint32(1), n.Counters().NumExpDisc)
}

func TestResetPreservesResetsCounter(t *testing.T) {
	n := New(90000, nil)
	n.Adjust(0, 0, 0, false)
	n.Reset()
	n.Reset()
	require.Equal(t, uint32(2), n.Counters().Resets)
	require.False(t, n.gotFirst)
}
