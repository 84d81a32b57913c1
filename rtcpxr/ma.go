package rtcpxr

import (
	"encoding/binary"

	"github.com/wmanley/vqe-receiver/liberrors"
)

// MATLVType identifies a Media Acquisition TLV field.
type MATLVType uint8

// MA TLV types, grounded on original_source/rtp/rtcp_xr.c.
const (
	MAAppReqToRTCPReq MATLVType = iota + 1
	MARTCPReqToBurst
	MARTCPReqToBurstEnd
	MAFirstMcastExtSeq
	MASFGMPJoinTime
	MAAppReqToMcast
	MANumDupPkts
	MANumGapPkts
	MAAppReqToPres
	// Vendor-specific (enterprise-prefixed) TLVs.
	MATotalCCTime
	MARCCExpectedPTS
	MARCCActualPTS
)

var vendorSpecific = map[MATLVType]bool{
	MATotalCCTime:    true,
	MARCCExpectedPTS: true,
	MARCCActualPTS:   true,
}

// ciscoEnterpriseNumber is the IANA Private Enterprise Number prefixed to
// vendor-specific MA TLVs, carried over unchanged from the source system.
const ciscoEnterpriseNumber = 9

// MAReport is the set of Media Acquisition fields that may be populated
// across a channel-change lifecycle; a field is emitted in the build
// path only when its presence flag is set, per spec §4.8.
type MAReport struct {
	XRSSRC uint32

	HaveAppReqToRTCPReq bool
	AppReqToRTCPReq     uint32

	HaveBurstStarted bool
	RTCPReqToBurst   uint32

	HaveBurstEnded    bool
	RTCPReqToBurstEnd uint32

	HaveMcastReceived bool
	FirstMcastExtSeq  uint32
	SFGMPJoinTime     uint32
	AppReqToMcast     uint32
	NumDupPkts        uint32

	HaveGapPkts bool
	NumGapPkts  uint32

	HavePresentationStarted bool
	AppReqToPres            uint32
	TotalCCTime             uint32
	RCCExpectedPTS          uint64
	RCCActualPTS            uint64
}

// Marshal encodes the populated fields of an MAReport as the MA XR block
// body (everything after the common RTCP-XR report-block header), per
// the event grouping in spec §4.8:
//   - APP_REQ_TO_RTCP_REQ whenever set
//   - RTCP_REQ_TO_BURST / RTCP_REQ_TO_BURST_END on burst start/end
//   - the multicast-received group, plus NUM_GAP_PKTS if a burst also ended
//   - the presentation-started group, including the vendor-specific TLVs
func (r MAReport) Marshal() []byte {
	var buf []byte

	if r.HaveAppReqToRTCPReq {
		buf = appendTLV32(buf, MAAppReqToRTCPReq, r.AppReqToRTCPReq)
	}
	if r.HaveBurstStarted {
		buf = appendTLV32(buf, MARTCPReqToBurst, r.RTCPReqToBurst)
	}
	if r.HaveBurstEnded {
		buf = appendTLV32(buf, MARTCPReqToBurstEnd, r.RTCPReqToBurstEnd)
	}
	if r.HaveMcastReceived {
		buf = appendTLV32(buf, MAFirstMcastExtSeq, r.FirstMcastExtSeq)
		buf = appendTLV32(buf, MASFGMPJoinTime, r.SFGMPJoinTime)
		buf = appendTLV32(buf, MAAppReqToMcast, r.AppReqToMcast)
		buf = appendTLV32(buf, MANumDupPkts, r.NumDupPkts)
	}
	if r.HaveBurstEnded && r.HaveMcastReceived {
		buf = appendTLV32(buf, MANumGapPkts, r.NumGapPkts)
	}
	if r.HavePresentationStarted {
		buf = appendTLV32(buf, MAAppReqToPres, r.AppReqToPres)
		buf = appendVendorTLV32(buf, MATotalCCTime, r.TotalCCTime)
		buf = appendVendorTLV64(buf, MARCCExpectedPTS, r.RCCExpectedPTS)
		buf = appendVendorTLV64(buf, MARCCActualPTS, r.RCCActualPTS)
	}

	return buf
}

func appendTLV32(buf []byte, typ MATLVType, v uint32) []byte {
	hdr := make([]byte, 4)
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], 4)
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], v)
	return append(append(buf, hdr...), val[:]...)
}

func appendVendorTLV32(buf []byte, typ MATLVType, v uint32) []byte {
	hdr := make([]byte, 4)
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], 4+4) // enterprise number + value
	var ent [4]byte
	binary.BigEndian.PutUint32(ent[:], ciscoEnterpriseNumber)
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], v)
	buf = append(buf, hdr...)
	buf = append(buf, ent[:]...)
	buf = append(buf, val[:]...)
	return buf
}

func appendVendorTLV64(buf []byte, typ MATLVType, v uint64) []byte {
	hdr := make([]byte, 4)
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], 4+8)
	var ent [4]byte
	binary.BigEndian.PutUint32(ent[:], ciscoEnterpriseNumber)
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], v)
	buf = append(buf, hdr...)
	buf = append(buf, ent[:]...)
	buf = append(buf, val[:]...)
	return buf
}

// UnmarshalMA decodes an MA report body, walking TLVs until buf is
// exhausted. Unknown TLV types are skipped (their length field is
// trusted to advance past them); malformed lengths abort the decode.
func UnmarshalMA(buf []byte) (MAReport, error) {
	var r MAReport

	for len(buf) > 0 {
		if len(buf) < 4 {
			return r, liberrors.ErrBadLength{Declared: 4, Actual: len(buf)}
		}
		typ := MATLVType(buf[0])
		length := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) < 4+length {
			return r, liberrors.ErrBadLength{Declared: 4 + length, Actual: len(buf)}
		}
		value := buf[4 : 4+length]

		if vendorSpecific[typ] {
			if len(value) < 4 {
				return r, liberrors.ErrBadLength{Declared: 4, Actual: len(value)}
			}
			value = value[4:] // skip enterprise number
		}

		switch typ {
		case MAAppReqToRTCPReq:
			r.HaveAppReqToRTCPReq = true
			r.AppReqToRTCPReq = binary.BigEndian.Uint32(value)
		case MARTCPReqToBurst:
			r.HaveBurstStarted = true
			r.RTCPReqToBurst = binary.BigEndian.Uint32(value)
		case MARTCPReqToBurstEnd:
			r.HaveBurstEnded = true
			r.RTCPReqToBurstEnd = binary.BigEndian.Uint32(value)
		case MAFirstMcastExtSeq:
			r.HaveMcastReceived = true
			r.FirstMcastExtSeq = binary.BigEndian.Uint32(value)
		case MASFGMPJoinTime:
			r.SFGMPJoinTime = binary.BigEndian.Uint32(value)
		case MAAppReqToMcast:
			r.AppReqToMcast = binary.BigEndian.Uint32(value)
		case MANumDupPkts:
			r.NumDupPkts = binary.BigEndian.Uint32(value)
		case MANumGapPkts:
			r.NumGapPkts = binary.BigEndian.Uint32(value)
		case MAAppReqToPres:
			r.HavePresentationStarted = true
			r.AppReqToPres = binary.BigEndian.Uint32(value)
		case MATotalCCTime:
			r.TotalCCTime = binary.BigEndian.Uint32(value)
		case MARCCExpectedPTS:
			r.RCCExpectedPTS = binary.BigEndian.Uint64(value)
		case MARCCActualPTS:
			r.RCCActualPTS = binary.BigEndian.Uint64(value)
		}

		// advance past this TLV's padded length (4-byte aligned)
		total := 4 + length
		total = (total + 3) &^ 3
		if total > len(buf) {
			total = len(buf)
		}
		buf = buf[total:]
	}

	return r, nil
}
