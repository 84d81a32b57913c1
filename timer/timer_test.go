package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOneShotFiresOnce(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()

	var count int32
	h := svc.Create(OneShot, 10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))
	require.False(t, h.Running())
}

func TestPeriodicFiresRepeatedly(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()

	var count int32
	h := svc.Create(Periodic, 10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h.Start()
	defer h.Destroy()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 3
	}, time.Second, time.Millisecond)
}

func TestStopPreventsFurtherFires(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()

	var count int32
	h := svc.Create(Periodic, 10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 1
	}, time.Second, time.Millisecond)

	h.Stop()
	after := atomic.LoadInt32(&count)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, atomic.LoadInt32(&count))
}

func TestDestroyPreventsRestart(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()

	var count int32
	h := svc.Create(OneShot, 5*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h.Destroy()
	h.Start()

	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()

	h := svc.Create(Periodic, time.Hour, func() {})
	h.Start()
	require.True(t, h.Running())
	h.Start()
	require.True(t, h.Running())
}
