package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/wmanley/vqe-receiver/nll"
	"github.com/wmanley/vqe-receiver/rtcppool"
	"github.com/wmanley/vqe-receiver/rtpsrc"
)

func collect(c *Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	default:
		t.Fatalf("unsupported metric kind for %v", m.Desc())
		return 0
	}
}

func TestNLLSourceReportsCounters(t *testing.T) {
	n := nll.New(90000, nil)
	c := NewCollector([]string{"ssrc"})
	c.AddNLLSource("stream-1", n, []string{"123"})

	n.Adjust(0, 0, 0, false)

	metrics := collect(c)
	require.NotEmpty(t, metrics)

	var found bool
	for _, m := range metrics {
		if m.Desc() == c.descNumObs {
			require.Equal(t, float64(1), metricValue(t, m))
			found = true
		}
	}
	require.True(t, found, "expected a vqe_nll_observations_total sample")
}

func TestSeqSourceReportsStats(t *testing.T) {
	src := &rtpsrc.Source{}
	src.UpdateSeq(1000)
	src.UpdateSeq(1001)

	c := NewCollector([]string{"ssrc"})
	c.AddSeqSource("src-1", src, []string{"456"})

	metrics := collect(c)
	var found bool
	for _, m := range metrics {
		if m.Desc() == c.descReceived {
			require.Equal(t, float64(2), metricValue(t, m))
			found = true
		}
	}
	require.True(t, found, "expected a vqe_rtp_received_packets_total sample")
}

func TestPoolSourceReportsAllocations(t *testing.T) {
	p := rtcppool.NewPool[int]("test-SE", 4)
	_, err := p.Acquire()
	require.NoError(t, err)

	c := NewCollector(nil)
	c.AddPoolSource("pool-1", p)

	metrics := collect(c)
	var found bool
	for _, m := range metrics {
		if m.Desc() == c.descPoolAllocations {
			require.Equal(t, float64(1), metricValue(t, m))
			found = true
		}
	}
	require.True(t, found, "expected a vqe_rtcp_pool_allocations sample")
}

func TestRemoveSourcesStopsReporting(t *testing.T) {
	c := NewCollector([]string{"ssrc"})
	n := nll.New(90000, nil)
	c.AddNLLSource("stream-1", n, []string{"1"})
	c.RemoveNLLSource("stream-1")
	require.Empty(t, collect(c))
}
