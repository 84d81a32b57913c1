// Package rtpsrc implements the per-source RTP sequence-space tracker:
// header validation, update_seq, jitter estimation and the RR-emission
// prior-snapshot bookkeeping described in spec section 4.2.
//
// Grounded on original_source/rtp/rtp_header.c, generalized from the
// teacher's rtpreceiver.Receiver (inline reorder/jitter logic) and
// rtplossdetector.LossDetector (dropout/cycle tracking). Wire parsing of
// the packet itself is delegated to github.com/pion/rtp, the same as the
// teacher; this package owns only the sequence-space state machine that
// pion/rtp does not model.
package rtpsrc

import "github.com/wmanley/vqe-receiver/liberrors"

const (
	minRTPHeaderBytes    = 12
	minRTPExtHeaderBytes = 4
	rtpVersion           = 2
)

// Status is the outcome of validating an RTP header.
type Status int

const (
	// StatusOK means the header is well-formed and carries no extension.
	StatusOK Status = iota
	// StatusExtension means the header is well-formed and carries a
	// 32-bit extension header; the caller may process or skip it.
	StatusExtension
)

// ValidateHeader performs the runt/version/length-consistency checks of
// spec §4.2 against the raw bytes of an RTP packet (header plus payload).
// csrcCount is the CC field already decoded by the caller (e.g. via
// pion/rtp); extLenWords is the extension header's declared length
// field in units of 4-byte words, or -1 if the extension bit is clear.
func ValidateHeader(buf []byte, version uint8, csrcCount int, hasExtension bool, extLenWords int) (Status, error) {
	minLen := minRTPHeaderBytes
	if len(buf) < minLen {
		return 0, liberrors.ErrShortHeader{Len: len(buf)}
	}

	if version != rtpVersion {
		return 0, liberrors.ErrBadVersion{Version: version}
	}

	minLen += csrcCount * 4
	if len(buf) < minLen {
		return 0, liberrors.ErrBadLength{Declared: minLen, Actual: len(buf)}
	}

	if hasExtension {
		if len(buf) < minLen+minRTPExtHeaderBytes {
			return 0, liberrors.ErrBadLength{Declared: minLen + minRTPExtHeaderBytes, Actual: len(buf)}
		}
		minLen += minRTPExtHeaderBytes + extLenWords*4
		if len(buf) < minLen {
			return 0, liberrors.ErrBadLength{Declared: minLen, Actual: len(buf)}
		}
		return StatusExtension, nil
	}

	return StatusOK, nil
}
