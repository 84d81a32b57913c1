// Package metrics exposes this module's NLL, sequence-tracker, and RTCP
// memory pool counters as Prometheus metrics.
//
// Grounded on runZeroInc-sockstats's pkg/exporter.TCPInfoCollector: a
// custom prometheus.Collector backed by a mutex-protected registry of
// label-keyed sources, walked once per Collect call rather than exposing
// package-level prometheus.NewCounter globals — sources (streams,
// members, pools) come and go with session lifetime, so they are added
// and removed the same way TCPInfoCollector.Add/Remove track live
// connections.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wmanley/vqe-receiver/nll"
	"github.com/wmanley/vqe-receiver/rtcppool"
	"github.com/wmanley/vqe-receiver/rtpsrc"
)

// NLLSource reports NLL counters for one stream.
type NLLSource interface {
	Counters() nll.Counters
}

// SeqSource reports sequence-tracker stats for one RTP source.
type SeqSource interface {
	Stats() rtpsrc.Stats
	Jitter() uint32
}

// PoolSource reports RTCP memory pool stats.
type PoolSource interface {
	Stats() rtcppool.Stats
	Name() string
}

type nllEntry struct {
	source NLLSource
	labels []string
}

type seqEntry struct {
	source SeqSource
	labels []string
}

// Collector implements prometheus.Collector over the registered sources.
type Collector struct {
	mu          sync.Mutex
	nllSources  map[string]nllEntry
	seqSources  map[string]seqEntry
	poolSources map[string]PoolSource

	labelNames []string

	descNumObs        *prometheus.Desc
	descNumExpDisc    *prometheus.Desc
	descNumImpDisc    *prometheus.Desc
	descPredictInPast *prometheus.Desc
	descResets        *prometheus.Desc

	descReceived   *prometheus.Desc
	descLost       *prometheus.Desc
	descDups       *prometheus.Desc
	descOutOfOrder *prometheus.Desc
	descSeqJumps   *prometheus.Desc
	descJitter     *prometheus.Desc

	descPoolAllocations *prometheus.Desc
	descPoolHighWater   *prometheus.Desc
	descPoolFailed      *prometheus.Desc
}

// NewCollector builds a Collector whose per-stream/per-source metrics
// are labeled with labelNames (e.g. "ssrc", "stream").
func NewCollector(labelNames []string) *Collector {
	return &Collector{
		nllSources:  make(map[string]nllEntry),
		seqSources:  make(map[string]seqEntry),
		poolSources: make(map[string]PoolSource),
		labelNames:  labelNames,

		descNumObs: prometheus.NewDesc(
			"vqe_nll_observations_total", "Total NLL samples observed.", labelNames, nil),
		descNumExpDisc: prometheus.NewDesc(
			"vqe_nll_explicit_discontinuities_total", "Total explicit discontinuities handled by the NLL.", labelNames, nil),
		descNumImpDisc: prometheus.NewDesc(
			"vqe_nll_implicit_discontinuities_total", "Total implicit discontinuities detected by the NLL.", labelNames, nil),
		descPredictInPast: prometheus.NewDesc(
			"vqe_nll_predict_in_past_total", "Total times a predicted time would have gone backward.", labelNames, nil),
		descResets: prometheus.NewDesc(
			"vqe_nll_resets_total", "Total NLL resets.", labelNames, nil),

		descReceived: prometheus.NewDesc(
			"vqe_rtp_received_packets_total", "Total RTP packets received.", labelNames, nil),
		descLost: prometheus.NewDesc(
			"vqe_rtp_lost_packets", "Estimated RTP packets lost (signed, RFC 3550 Appendix A.3).", labelNames, nil),
		descDups: prometheus.NewDesc(
			"vqe_rtp_duplicate_packets_total", "Total duplicate RTP packets detected.", labelNames, nil),
		descOutOfOrder: prometheus.NewDesc(
			"vqe_rtp_out_of_order_packets_total", "Total out-of-order RTP packets.", labelNames, nil),
		descSeqJumps: prometheus.NewDesc(
			"vqe_rtp_seq_jumps_total", "Total large sequence-number jumps.", labelNames, nil),
		descJitter: prometheus.NewDesc(
			"vqe_rtp_jitter", "RFC 3550 interarrival jitter estimate, in media-clock units.", labelNames, nil),

		descPoolAllocations: prometheus.NewDesc(
			"vqe_rtcp_pool_allocations", "Current outstanding allocations in an RTCP memory pool.", []string{"pool"}, nil),
		descPoolHighWater: prometheus.NewDesc(
			"vqe_rtcp_pool_allocations_high_water", "High-water mark of outstanding allocations in an RTCP memory pool.", []string{"pool"}, nil),
		descPoolFailed: prometheus.NewDesc(
			"vqe_rtcp_pool_allocations_failed_total", "Total failed allocation attempts against an RTCP memory pool.", []string{"pool"}, nil),
	}
}

// AddNLLSource registers (or replaces) the NLL counters source for key.
func (c *Collector) AddNLLSource(key string, source NLLSource, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nllSources[key] = nllEntry{source: source, labels: labelValues}
}

// RemoveNLLSource unregisters a previously-added NLL source.
func (c *Collector) RemoveNLLSource(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nllSources, key)
}

// AddSeqSource registers (or replaces) the sequence-tracker source for key.
func (c *Collector) AddSeqSource(key string, source SeqSource, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqSources[key] = seqEntry{source: source, labels: labelValues}
}

// RemoveSeqSource unregisters a previously-added sequence-tracker source.
func (c *Collector) RemoveSeqSource(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seqSources, key)
}

// AddPoolSource registers (or replaces) a memory pool source.
func (c *Collector) AddPoolSource(key string, source PoolSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolSources[key] = source
}

// RemovePoolSource unregisters a previously-added pool source.
func (c *Collector) RemovePoolSource(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.poolSources, key)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descNumObs
	ch <- c.descNumExpDisc
	ch <- c.descNumImpDisc
	ch <- c.descPredictInPast
	ch <- c.descResets
	ch <- c.descReceived
	ch <- c.descLost
	ch <- c.descDups
	ch <- c.descOutOfOrder
	ch <- c.descSeqJumps
	ch <- c.descJitter
	ch <- c.descPoolAllocations
	ch <- c.descPoolHighWater
	ch <- c.descPoolFailed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.nllSources {
		counters := e.source.Counters()
		ch <- prometheus.MustNewConstMetric(c.descNumObs, prometheus.CounterValue, float64(counters.NumObs), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descNumExpDisc, prometheus.CounterValue, float64(counters.NumExpDisc), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descNumImpDisc, prometheus.CounterValue, float64(counters.NumImpDisc), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descPredictInPast, prometheus.CounterValue, float64(counters.PredictInPast), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descResets, prometheus.CounterValue, float64(counters.Resets), e.labels...)
	}

	for _, e := range c.seqSources {
		stats := e.source.Stats()
		ch <- prometheus.MustNewConstMetric(c.descReceived, prometheus.CounterValue, float64(stats.Received), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descLost, prometheus.GaugeValue, float64(stats.Lost), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descDups, prometheus.CounterValue, float64(stats.Dups), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descOutOfOrder, prometheus.CounterValue, float64(stats.OutOfOrder), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descSeqJumps, prometheus.CounterValue, float64(stats.SeqJumps), e.labels...)
		ch <- prometheus.MustNewConstMetric(c.descJitter, prometheus.GaugeValue, float64(e.source.Jitter()), e.labels...)
	}

	for key, p := range c.poolSources {
		st := p.Stats()
		name := p.Name()
		if name == "" {
			name = key
		}
		ch <- prometheus.MustNewConstMetric(c.descPoolAllocations, prometheus.GaugeValue, float64(st.Allocations), name)
		ch <- prometheus.MustNewConstMetric(c.descPoolHighWater, prometheus.GaugeValue, float64(st.AllocationsHW), name)
		ch <- prometheus.MustNewConstMetric(c.descPoolFailed, prometheus.CounterValue, float64(st.AllocationsFailed), name)
	}
}
