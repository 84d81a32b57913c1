package session

import (
	"encoding/binary"

	"github.com/wmanley/vqe-receiver/liberrors"
	"github.com/wmanley/vqe-receiver/rtcpbw"
)

// SubreportType identifies the kind of RSI (Receiver Summary
// Information) subreport block carried in an RTCP RSI packet body,
// grounded on original_source/rtp/rtp_ssm_rsi.c's rtcp_rsi_gen_subrpt_t
// dispatch.
type SubreportType uint8

const (
	// SubreportGAPSB carries a remote member's view of group size and
	// average packet size.
	SubreportGAPSB SubreportType = 1
	// SubreportBISB carries a remote member's reported per-member
	// bandwidth for one or both roles.
	SubreportBISB SubreportType = 2
)

// subreportBIRole bit values, from RTCP_RSI_BI_SENDER / RTCP_RSI_BI_RECEIVERS.
const (
	biRoleSender    uint16 = 1 << 0
	biRoleReceivers uint16 = 1 << 1
)

// subreportHeaderLen is the size of the generic subreport header: a
// 1-byte type, 1 reserved byte, and a 2-byte length field counted in
// 32-bit words from the start of this header.
const subreportHeaderLen = 4

// GAPSBSubreport is the Group-size-and-Average-packet-Size subreport
// body (spec §4.7): a remote member's own observed session size and
// average packet size, as seen from its position in the session.
type GAPSBSubreport struct {
	GroupSize         uint32
	AveragePacketSize uint16
}

// BISBSubreport is the Bandwidth-Indication subreport body (spec §4.7):
// a remote member's observed per-member RTCP bandwidth for the roles
// named in its bitmask.
type BISBSubreport struct {
	SenderSet   bool
	ReceiverSet bool
	PerMemberBW uint32
}

// MemberReportedView is the per-member bookkeeping an RSI GAPSB
// subreport updates: what this member last reported, so a later report
// from the same member can be subtracted out before the new value is
// folded in.
type MemberReportedView struct {
	NMembersReported int64
	AvgSizeReported   uint16
}

// ApplyGAPSB folds a GAPSB subreport into the session's learned
// membership and average-packet-size counters, replicating
// rtcp_process_rsi's subtract-old/add-new pattern: a member's previous
// contribution to nmembersLearned is removed before its new one is
// added, so repeated reports from the same member don't double-count.
//
// avgPktSize is the session's running average packet size prior to this
// update; ApplyGAPSB returns the rolled-in average the same way
// rtcp_upd_avg_pkt_size would, folding the reported size in as if it
// were one more observed packet.
func ApplyGAPSB(view *MemberReportedView, sub GAPSBSubreport, nmembersLearned *int64, avgPktSize float64) float64 {
	if view.NMembersReported != 0 {
		*nmembersLearned -= view.NMembersReported - 2
	}
	view.NMembersReported = int64(sub.GroupSize)
	*nmembersLearned += view.NMembersReported - 2

	view.AvgSizeReported = sub.AveragePacketSize
	return updAvgPktSize(avgPktSize, float64(sub.AveragePacketSize))
}

// updAvgPktSize folds one more observed size into a running average,
// mirroring rtcp_upd_avg_pkt_size's simple exponential roll-in.
func updAvgPktSize(avg, observed float64) float64 {
	if avg == 0 {
		return observed
	}
	return avg + (observed-avg)/8
}

// ApplyBISB folds a BISB subreport into the session's per-role
// RptPerMemberBW fields, per role bit set in the subreport.
func ApplyBISB(sndr, rcvr *rtcpbw.RoleBW, sub BISBSubreport) {
	if sub.SenderSet {
		sndr.RptPerMemberBW = uint64(sub.PerMemberBW)
		sndr.HaveRptPerMemberBW = true
	}
	if sub.ReceiverSet {
		rcvr.RptPerMemberBW = uint64(sub.PerMemberBW)
		rcvr.HaveRptPerMemberBW = true
	}
}

// ParsedRSI is the result of walking an RSI packet body: the recognized
// subreports found, in order. Unknown subreport types are skipped, not
// reported, matching rtcp_process_rsi's default case.
type ParsedRSI struct {
	GAPSB []GAPSBSubreport
	BISB  []BISBSubreport
}

// ParseRSI walks the subreport blocks of an RSI packet body, each
// prefixed by a generic (type, length-in-words) header. length is
// measured in 32-bit words from the start of that block's own header,
// per rtcp_process_rsi; a zero length or one that would run past buf is
// a bad-length error, and the walk must land exactly on the end of buf
// when it finishes.
func ParseRSI(buf []byte) (ParsedRSI, error) {
	var out ParsedRSI

	off := 0
	for off < len(buf) {
		if len(buf)-off < subreportHeaderLen {
			return out, liberrors.ErrBadLength{Declared: subreportHeaderLen, Actual: len(buf) - off}
		}
		srbt := SubreportType(buf[off])
		lengthWords := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		lengthBytes := lengthWords * 4
		if lengthWords == 0 || off+lengthBytes > len(buf) {
			return out, liberrors.ErrBadLength{Declared: off + lengthBytes, Actual: len(buf)}
		}
		body := buf[off+subreportHeaderLen : off+lengthBytes]

		switch srbt {
		case SubreportGAPSB:
			if len(body) < 6 {
				return out, liberrors.ErrBadLength{Declared: 6, Actual: len(body)}
			}
			out.GAPSB = append(out.GAPSB, GAPSBSubreport{
				GroupSize:         binary.BigEndian.Uint32(body[0:4]),
				AveragePacketSize: binary.BigEndian.Uint16(body[4:6]),
			})
		case SubreportBISB:
			if len(body) < 8 {
				return out, liberrors.ErrBadLength{Declared: 8, Actual: len(body)}
			}
			role := binary.BigEndian.Uint16(body[0:2])
			bw := binary.BigEndian.Uint32(body[4:8])
			out.BISB = append(out.BISB, BISBSubreport{
				SenderSet:   role&biRoleSender != 0,
				ReceiverSet: role&biRoleReceivers != 0,
				PerMemberBW: bw,
			})
		}
		// Unknown subreport types are skipped: their length field is
		// trusted to advance past them.

		off += lengthBytes
	}
	if off != len(buf) {
		return out, liberrors.ErrBadLength{Declared: off, Actual: len(buf)}
	}
	return out, nil
}

// MarshalGAPSB encodes a single GAPSB subreport, including its generic
// header, padded to a 4-byte (one-word) boundary.
func MarshalGAPSB(sub GAPSBSubreport) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(SubreportGAPSB)
	binary.BigEndian.PutUint16(buf[2:4], 3) // 3 words: header + 8-byte body
	binary.BigEndian.PutUint32(buf[4:8], sub.GroupSize)
	binary.BigEndian.PutUint16(buf[8:10], sub.AveragePacketSize)
	return buf
}

// MarshalBISB encodes a single BISB subreport, including its generic
// header, padded to a 4-byte (one-word) boundary.
func MarshalBISB(sub BISBSubreport) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(SubreportBISB)
	binary.BigEndian.PutUint16(buf[2:4], 3)
	var role uint16
	if sub.SenderSet {
		role |= biRoleSender
	}
	if sub.ReceiverSet {
		role |= biRoleReceivers
	}
	binary.BigEndian.PutUint16(buf[4:6], role)
	binary.BigEndian.PutUint32(buf[8:12], sub.PerMemberBW)
	return buf
}
