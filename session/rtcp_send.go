package session

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/wmanley/vqe-receiver/rtcpbw"
	"github.com/wmanley/vqe-receiver/timer"
)

// SenderInfo is this session's own outgoing-stream counters, populated
// by the caller when this session also sends RTP (spec §4.6 "weSent").
// A zero value (never set) leaves the session receiver-only: its reports
// carry an RR, never an SR.
type SenderInfo struct {
	NTP         uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// SetSenderInfo records this session's own send-side counters and marks
// it as a sender for interval/report-type purposes. Calling it with a
// zero SenderInfo still marks weSent true; callers that never send
// should simply never call it.
func (b *Base) SetSenderInfo(info SenderInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfSender = info
	b.weSent = true
}

// ReportInterval computes the actual (jittered) interval until the next
// compound report, per spec §4.4: the deterministic interval Td is
// apportioned from this session's per-role bandwidth against the
// session-wide membership, then randomized once through the shared
// jitter PRNG.
func (b *Base) ReportInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reportIntervalLocked()
}

func (b *Base) reportIntervalLocked() time.Duration {
	senders := 0
	if b.weSent {
		senders = 1
	}
	for _, ssrc := range b.table.Senders() {
		if ssrc != b.localSSRC {
			senders++
		}
	}
	members := b.table.Len() + 1 // +1 for the local member

	in := rtcpbw.BuildIntervalInputs(
		roleFor(b, b.weSent),
		roleFor(b, !b.weSent),
		b.weSent,
		b.stats.AvgPktSize,
		members,
		senders,
		b.stats.AvgPktSize,
		b.initial,
	)
	td := rtcpbw.ComputeTd(in)
	t := rtcpbw.ComputeT(td.Td, b.prng)
	return time.Duration(t * float64(time.Second))
}

// roleFor returns the sender-role bandwidth struct when forSender is
// true, the receiver-role one otherwise.
func roleFor(b *Base, forSender bool) rtcpbw.RoleBW {
	if forSender {
		return b.sndr
	}
	return b.rcvr
}

// ConstructReport builds one compound RTCP packet: an SR if this
// session has sent (SetSenderInfo was called), else an RR; always
// followed by an SDES CNAME chunk, per spec §4.6 "construct_report".
// RSI blocks are appended by the session variant that needs them (spec
// §4.7), not by the base. No XR block is appended to outgoing reports.
func (b *Base) ConstructReport() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reports := b.receptionReportsLocked()

	var headPkt rtcp.Packet
	if b.weSent {
		headPkt = &rtcp.SenderReport{
			SSRC:        b.localSSRC,
			NTPTime:     b.selfSender.NTP,
			RTPTime:     b.selfSender.RTPTime,
			PacketCount: b.selfSender.PacketCount,
			OctetCount:  b.selfSender.OctetCount,
			Reports:     reports,
		}
	} else {
		headPkt = &rtcp.ReceiverReport{
			SSRC:    b.localSSRC,
			Reports: reports,
		}
	}

	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: b.localSSRC,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: b.localCNAME},
				},
			},
		},
	}

	out, err := headPkt.Marshal()
	if err != nil {
		return nil, err
	}
	sdesBuf, err := sdes.Marshal()
	if err != nil {
		return nil, err
	}
	out = append(out, sdesBuf...)

	b.initial = false
	for _, m := range b.table.All() {
		m.Seq.RolloverPriors()
	}

	return out, nil
}

// receptionReportsLocked builds one ReceptionReport block per sender
// this session currently knows about, up to MaxSendersCached, mirroring
// the RR-cache's fixed-size bitmask indexing (spec §4.6 "RR cache").
func (b *Base) receptionReportsLocked() []rtcp.ReceptionReport {
	senders := b.table.Senders()
	limit := b.cfg.MaxSendersCached
	if limit <= 0 || limit > len(senders) {
		limit = len(senders)
	}

	out := make([]rtcp.ReceptionReport, 0, limit)
	for i := 0; i < limit; i++ {
		ssrc := senders[i]
		m, ok := b.table.Lookup(ssrc)
		if !ok {
			continue
		}
		out = append(out, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       m.Seq.FractionLost(),
			TotalLost:          uint32(clampNonNegative(m.Seq.Stats().Lost)),
			LastSequenceNumber: uint32(m.Seq.Stats().Cycles) | uint32(m.Seq.Stats().MaxSeq),
			Jitter:             m.Seq.Jitter(),
			LastSenderReport:   uint32(m.Sender.NTP >> 16),
		})
	}
	return out
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// SendReport constructs and transmits one compound report via the
// sendRTCP callback supplied to NewBase, per spec §4.6 "send_report".
func (b *Base) SendReport() error {
	buf, err := b.ConstructReport()
	if err != nil {
		return err
	}
	if b.sendRTCP == nil {
		return nil
	}
	return b.sendRTCP(buf)
}

// StartReporting arms the session's periodic report timer, re-deriving
// a fresh jittered interval after every send, mirroring
// session_timeout_transmit_report's self-rescheduling rather than a
// fixed-period ticker.
func (b *Base) StartReporting() {
	b.mu.Lock()
	svc := b.timerSvc
	b.mu.Unlock()
	if svc == nil {
		return
	}
	b.armNextReport()
}

func (b *Base) armNextReport() {
	interval := b.ReportInterval()
	h := b.timerSvc.Create(timer.OneShot, interval, func() {
		_ = b.SendReport()
		b.armNextReport()
	})
	b.mu.Lock()
	b.reportH = h
	b.mu.Unlock()
	h.Start()
}

// StopReporting permanently retires the report timer.
func (b *Base) StopReporting() {
	b.mu.Lock()
	h := b.reportH
	b.mu.Unlock()
	if h != nil {
		h.Destroy()
	}
}
