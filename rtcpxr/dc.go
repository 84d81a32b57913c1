package rtcpxr

import (
	"encoding/binary"

	"github.com/wmanley/vqe-receiver/liberrors"
)

// DCTLVType identifies a Diagnostic Counter TLV field.
type DCTLVType uint8

// DC TLV types, grounded on original_source/rtp/rtcp_xr.c.
const (
	DCUnderruns DCTLVType = iota + 1
	DCOverruns
	DCPostRepairLosses
	DCLatePrimaryDrops
	DCLateRepairDrops
	DCOutputQueueDrops
)

// dcValueWidth reports whether a counter is carried as a 4- or 8-byte value.
var dcValueWidth = map[DCTLVType]int{
	DCUnderruns:        4,
	DCOverruns:         4,
	DCPostRepairLosses: 8,
	DCLatePrimaryDrops: 8,
	DCLateRepairDrops:  8,
	DCOutputQueueDrops: 4,
}

// DCReport is the set of diagnostic counters that may be reported; a
// counter whose Enabled flag is clear is omitted from the build.
type DCReport struct {
	XRSSRC uint32

	UnderrunsEnabled bool
	Underruns        uint32

	OverrunsEnabled bool
	Overruns        uint32

	PostRepairLossesEnabled bool
	PostRepairLosses        uint64

	LatePrimaryDropsEnabled bool
	LatePrimaryDrops        uint64

	LateRepairDropsEnabled bool
	LateRepairDrops        uint64

	OutputQueueDropsEnabled bool
	OutputQueueDrops        uint32
}

// Marshal encodes the enabled counters of a DCReport as the DC XR block
// body (everything after the common header).
func (r DCReport) Marshal() []byte {
	var buf []byte

	if r.UnderrunsEnabled {
		buf = appendDCTLV32(buf, DCUnderruns, r.Underruns)
	}
	if r.OverrunsEnabled {
		buf = appendDCTLV32(buf, DCOverruns, r.Overruns)
	}
	if r.PostRepairLossesEnabled {
		buf = appendDCTLV64(buf, DCPostRepairLosses, r.PostRepairLosses)
	}
	if r.LatePrimaryDropsEnabled {
		buf = appendDCTLV64(buf, DCLatePrimaryDrops, r.LatePrimaryDrops)
	}
	if r.LateRepairDropsEnabled {
		buf = appendDCTLV64(buf, DCLateRepairDrops, r.LateRepairDrops)
	}
	if r.OutputQueueDropsEnabled {
		buf = appendDCTLV32(buf, DCOutputQueueDrops, r.OutputQueueDrops)
	}

	return buf
}

// appendDCTLV32/64 write (type:8, reserved:8, length:16, value) entries.
func appendDCTLV32(buf []byte, typ DCTLVType, v uint32) []byte {
	hdr := make([]byte, 4)
	hdr[0] = byte(typ)
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], 4)
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], v)
	return append(append(buf, hdr...), val[:]...)
}

func appendDCTLV64(buf []byte, typ DCTLVType, v uint64) []byte {
	hdr := make([]byte, 4)
	hdr[0] = byte(typ)
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], 8)
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], v)
	return append(append(buf, hdr...), val[:]...)
}

// UnmarshalDC decodes a DC report body.
func UnmarshalDC(buf []byte) (DCReport, error) {
	var r DCReport

	for len(buf) > 0 {
		if len(buf) < 4 {
			return r, liberrors.ErrBadLength{Declared: 4, Actual: len(buf)}
		}
		typ := DCTLVType(buf[0])
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		if len(buf) < 4+length {
			return r, liberrors.ErrBadLength{Declared: 4 + length, Actual: len(buf)}
		}
		value := buf[4 : 4+length]

		switch typ {
		case DCUnderruns:
			r.UnderrunsEnabled = true
			r.Underruns = binary.BigEndian.Uint32(value)
		case DCOverruns:
			r.OverrunsEnabled = true
			r.Overruns = binary.BigEndian.Uint32(value)
		case DCPostRepairLosses:
			r.PostRepairLossesEnabled = true
			r.PostRepairLosses = binary.BigEndian.Uint64(value)
		case DCLatePrimaryDrops:
			r.LatePrimaryDropsEnabled = true
			r.LatePrimaryDrops = binary.BigEndian.Uint64(value)
		case DCLateRepairDrops:
			r.LateRepairDropsEnabled = true
			r.LateRepairDrops = binary.BigEndian.Uint64(value)
		case DCOutputQueueDrops:
			r.OutputQueueDropsEnabled = true
			r.OutputQueueDrops = binary.BigEndian.Uint32(value)
		}

		total := 4 + length
		if total > len(buf) {
			total = len(buf)
		}
		buf = buf[total:]
	}

	return r, nil
}
