package session

import (
	"encoding/binary"
	"net"

	"github.com/pion/rtcp"

	"github.com/wmanley/vqe-receiver/rtcpxr"
)

// RTCP packet type values (RFC 3550 §12.1, plus the Cisco-specific RSI
// extension spec §4.7 names).
const (
	ptSR   = 200
	ptRR   = 201
	ptSDES = 202
	ptBye  = 203
	ptApp  = 204
	ptXR   = 207
	ptRSI  = 209
)

// xrBlockType values, RFC 3611 §4 plus the vendor MA/DC block types
// named in spec §4.8.
const (
	xrBlockLossRLE = 2
	xrBlockMA      = 200
	xrBlockDC      = 201
)

const rtcpCommonHeaderLen = 4

// ProcessRTCP walks a compound RTCP packet by hand, splitting it into
// its (version, payload type, length) triples per spec §4.6, then
// dispatches each to the matching handler. Per liberrors' documented
// split (package doc comment), a malformed packet inside the walk is
// counted, not returned as an error: one bad sub-packet does not sour
// the ones already parsed, matching the original's pkts.rcvd_errors
// accounting.
func (b *Base) ProcessRTCP(buf []byte, remoteAddr net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := 0
	for off < len(buf) {
		if len(buf)-off < rtcpCommonHeaderLen {
			b.stats.RTCPBadLength++
			return
		}
		version := buf[off] >> 6
		count := int(buf[off] & 0x1f)
		pt := buf[off+1]
		lengthWords := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		totalLen := (lengthWords + 1) * 4

		if version != 2 {
			b.stats.RTCPBadVersion++
			return
		}
		if off+totalLen > len(buf) {
			b.stats.RTCPBadLength++
			return
		}

		pkt := buf[off : off+totalLen]
		b.stats.RTCPReceived++
		b.dispatchRTCP(pt, count, pkt, remoteAddr)

		off += totalLen
	}
}

// dispatchRTCP routes one already-length-validated RTCP sub-packet to
// its handler. Standard types (SR/RR/SDES/BYE) are decoded with
// pion/rtcp's per-type Unmarshal, the same library the rest of this
// ecosystem uses for RTCP; XR and RSI are this system's own extensions
// and are decoded by this module's own rtcpxr/RSI codecs.
func (b *Base) dispatchRTCP(pt uint8, count int, pkt []byte, remoteAddr net.Addr) {
	switch pt {
	case ptSR:
		b.handleSR(pkt, remoteAddr)
	case ptRR:
		b.handleRR(pkt, remoteAddr)
	case ptSDES:
		b.handleSDES(pkt)
	case ptBye:
		b.handleBye(pkt)
	case ptXR:
		b.handleXR(pkt)
	case ptRSI:
		b.handleRSI(pkt)
	case ptApp:
		// Unrecognized by this session; counted but not acted on.
	default:
		b.stats.RTCPUnexpected++
	}
}

func (b *Base) handleSR(pkt []byte, remoteAddr net.Addr) {
	var sr rtcp.SenderReport
	if err := sr.Unmarshal(pkt); err != nil {
		b.stats.RTCPErrors++
		return
	}
	m, conflict := b.memberFor(sr.SSRC, remoteAddr, "", true)
	if conflict == ConflictPartialLocalSender {
		return
	}
	m.Sender = SenderGleaned{
		HaveSR:      true,
		NTP:         sr.NTPTime,
		RTPTime:     sr.RTPTime,
		PacketCount: sr.PacketCount,
		OctetCount:  sr.OctetCount,
	}
	m.LastAnyActivity = b.nowMicros()
	m.LastSenderActivity = m.LastAnyActivity
	for _, rr := range sr.Reports {
		b.absorbReceptionReport(rr)
	}
}

func (b *Base) handleRR(pkt []byte, remoteAddr net.Addr) {
	var rr rtcp.ReceiverReport
	if err := rr.Unmarshal(pkt); err != nil {
		b.stats.RTCPErrors++
		return
	}
	if _, conflict := b.memberFor(rr.SSRC, remoteAddr, "", false); conflict == ConflictPartialLocalSender {
		return
	}
	for _, report := range rr.Reports {
		b.absorbReceptionReport(report)
	}
}

// absorbReceptionReport accepts one reception-report block from an
// incoming SR or RR and discards it: the block is not stored in any
// member's RRCache, and no member is created for the reported-on SSRC
// (that happens only via RTP/SR from that source itself).
func (b *Base) absorbReceptionReport(rr rtcp.ReceptionReport) {
	if rr.SSRC == b.localSSRC {
		// Feedback about our own stream; not stored either.
		return
	}
}

func (b *Base) handleSDES(pkt []byte) {
	var sdes rtcp.SourceDescription
	if err := sdes.Unmarshal(pkt); err != nil {
		b.stats.RTCPErrors++
		return
	}
	for _, chunk := range sdes.Chunks {
		m, ok := b.table.Lookup(chunk.Source)
		if !ok {
			continue
		}
		for _, item := range chunk.Items {
			if item.Type == rtcp.SDESCNAME {
				m.CNAME = item.Text
			}
		}
	}
}

func (b *Base) handleBye(pkt []byte) {
	var bye rtcp.Goodbye
	if err := bye.Unmarshal(pkt); err != nil {
		b.stats.RTCPErrors++
		return
	}
	for _, ssrc := range bye.Sources {
		if m, ok := b.table.Lookup(ssrc); ok {
			m.MarkedForGarbage = true
		}
	}
}

func (b *Base) handleXR(pkt []byte) {
	if len(pkt) < rtcpCommonHeaderLen+4 {
		b.stats.RTCPBadLength++
		return
	}
	ssrc := binary.BigEndian.Uint32(pkt[4:8])
	m, ok := b.table.Lookup(ssrc)
	if !ok {
		return
	}

	body := pkt[8:]
	for len(body) > 0 {
		if len(body) < 4 {
			b.stats.RTCPBadLength++
			return
		}
		blockType := body[0]
		blockLenWords := int(binary.BigEndian.Uint16(body[2:4]))
		blockLen := (blockLenWords + 1) * 4
		if blockLen > len(body) {
			b.stats.RTCPBadLength++
			return
		}
		blockBody := body[4:blockLen]

		switch blockType {
		case xrBlockMA:
			if _, err := rtcpxr.UnmarshalMA(blockBody); err != nil {
				b.stats.RTCPErrors++
			}
		case xrBlockDC:
			if _, err := rtcpxr.UnmarshalDC(blockBody); err != nil {
				b.stats.RTCPErrors++
			}
		case xrBlockLossRLE:
			// Decoding the peer's own Loss RLE view isn't needed by
			// this receiver-side session; the block is accepted and
			// skipped, matching "unexpected" blocks being logged, not
			// rejected.
			_ = m
		default:
			b.stats.RTCPUnexpected++
		}

		body = body[blockLen:]
	}
}

func (b *Base) handleRSI(pkt []byte) {
	if len(pkt) < rtcpCommonHeaderLen {
		b.stats.RTCPBadLength++
		return
	}
	// The RSI reporting member's SSRC, per spec §4.7, occupies the
	// first word of the packet body, mirroring the SR/RR/XR common
	// layout of an SSRC immediately after the 4-byte RTCP header.
	if len(pkt) < 8 {
		b.stats.RTCPBadLength++
		return
	}
	reporterSSRC := binary.BigEndian.Uint32(pkt[4:8])

	parsed, err := ParseRSI(pkt[8:])
	if err != nil {
		b.stats.RTCPErrors++
		return
	}

	view, ok := b.reportedViews[reporterSSRC]
	if !ok {
		view = &MemberReportedView{}
		b.reportedViews[reporterSSRC] = view
	}
	for _, g := range parsed.GAPSB {
		b.stats.AvgPktSize = ApplyGAPSB(view, g, &b.nmembersLearned, b.stats.AvgPktSize)
	}
	for _, bi := range parsed.BISB {
		ApplyBISB(&b.sndr, &b.rcvr, bi)
	}
}
