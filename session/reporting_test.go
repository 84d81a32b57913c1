package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wmanley/vqe-receiver/timer"
)

func TestStartReportingSendsAndReschedules(t *testing.T) {
	svc := timer.NewService(nil)
	defer svc.Close()

	sent := make(chan struct{}, 4)
	template := newTestBase(t)
	b := NewBase(template.cfg, template.LocalSSRC(), "local@example", nil, svc, func([]byte) error {
		select {
		case sent <- struct{}{}:
		default:
		}
		return nil
	})

	b.StartReporting()
	defer b.StopReporting()

	require.Eventually(t, func() bool {
		select {
		case <-sent:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopReportingHaltsFurtherSends(t *testing.T) {
	svc := timer.NewService(nil)
	defer svc.Close()

	var sends int
	template := newTestBase(t)
	b := NewBase(template.cfg, template.LocalSSRC(), "local@example", nil, svc, func([]byte) error {
		sends++
		return nil
	})

	b.StartReporting()
	b.StopReporting()

	// Destroying the handle before its first fire must leave it
	// permanently disarmed; no send should ever land.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sends)
}
