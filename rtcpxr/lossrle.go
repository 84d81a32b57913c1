// Package rtcpxr implements the RTCP XR Loss RLE engine (spec §4.3): a
// bit-vector/run-length chunk encoder over the received sequence space,
// plus the MA/DC TLV report codecs (spec §4.8).
//
// Grounded on original_source/rtp/rtcp_xr.c. The chunk array is modeled
// as a Go slice grown and spliced with append/copy rather than the
// original's fixed C array with manual index shifting (MAX_CHUNKS+2
// pre-allocated, explicit memmove-style shifts) — Go slices make the
// three-way split used to patch a late arrival into a run-of-zeros chunk
// (spec §4.3 case 5) a plain slice insert instead of hand-rolled index
// arithmetic. The wire format, the fill order within a chunk, the run
// length cap and the exceed_limit/not_reported accounting are preserved
// exactly; only the spliced array is implemented with an idiom the
// original's C constraints didn't allow.
package rtcpxr

const (
	// maxBitIdx is the number of data slots in a bit-vector chunk.
	maxBitIdx = 15
	// maxRunLength is the largest run a single run-length chunk may encode.
	maxRunLength = 16380
	// maxSeqAllowed bounds the total span an interval may cover.
	maxSeqAllowed = 65534

	chunkTypeBitVector = uint16(0x8000)
	runOfOnesBit       = uint16(0x4000)
	runLengthMask      = uint16(0x3FFF)
	bitVectorMask      = uint16(0x7FFF)
)

// LossRLE is the per-source RFC 3611 Loss RLE engine.
type LossRLE struct {
	maxChunksAllow int

	eseqStart    uint32
	nextExpected uint32
	totals       uint32
	bitIdx       int
	chunks       []uint16
	exceedLimit  bool

	LostPackets uint64
	DupPackets  uint64
	LateArrivals uint64
	NotReported  uint64
	BeforeIntvl  uint64
	ReInit       uint64
}

// New creates a Loss RLE engine whose chunk array may grow up to
// max_chunks_allow = min(maxSizeBytes/2, 700), per spec §4.3.
func New(maxSizeBytes int) *LossRLE {
	allow := maxSizeBytes / 2
	if allow > 700 {
		allow = 700
	}
	l := &LossRLE{maxChunksAllow: allow}
	l.InitSeq(0, false)
	return l
}

// InitSeq (re-)initializes the engine for a new reporting interval
// starting at eseqStart. When reInitMode is true the previous interval's
// accounting is absorbed into ReInit rather than discarded.
func (l *LossRLE) InitSeq(eseqStart uint32, reInitMode bool) {
	if reInitMode {
		l.ReInit += uint64(l.totals) + l.NotReported + l.BeforeIntvl
	}

	l.eseqStart = eseqStart
	l.nextExpected = eseqStart
	l.totals = 0
	l.bitIdx = maxBitIdx
	l.chunks = l.chunks[:0]
	l.exceedLimit = false
	l.LostPackets = 0
	l.DupPackets = 0
	l.LateArrivals = 0
	l.NotReported = 0
	l.BeforeIntvl = 0
}

// curChunk returns the index of the in-progress chunk, allocating one if
// none is open yet.
func (l *LossRLE) curChunk() int {
	if len(l.chunks) == 0 {
		l.chunks = append(l.chunks, chunkTypeBitVector)
		l.bitIdx = maxBitIdx
	}
	return len(l.chunks) - 1
}

// atCapacity reports whether the chunk array has hit max_chunks_allow.
func (l *LossRLE) atCapacity() bool {
	return l.maxChunksAllow > 0 && len(l.chunks) >= l.maxChunksAllow
}

// openNewChunk appends a fresh empty bit-vector chunk, or sets
// exceed_limit if the budget is already spent.
func (l *LossRLE) openNewChunk() bool {
	if l.atCapacity() {
		l.exceedLimit = true
		return false
	}
	l.chunks = append(l.chunks, chunkTypeBitVector)
	l.bitIdx = maxBitIdx
	return true
}

// setBit marks one slot received in the current bit-vector chunk,
// rolling to a fresh chunk (or promoting a filled all-ones chunk to a
// run) when the vector fills, per spec §4.3 item 3.
func (l *LossRLE) setBit() {
	cidx := l.curChunk()
	l.bitIdx--
	l.chunks[cidx] |= 1 << uint(l.bitIdx)

	if l.bitIdx == 0 {
		if l.chunks[cidx] == 0xFFFF {
			l.promoteToRunOfOnes(cidx, maxBitIdx)
		} else if !l.openNewChunk() {
			// exceed_limit already latched; nothing more to allocate.
			return
		}
	}
}

// promoteToRunOfOnes converts a filled all-ones bit-vector chunk at cidx
// into a run-of-ones chunk, extending the previous run-of-ones chunk by
// n if one immediately precedes it and has headroom, else replacing it
// in place.
func (l *LossRLE) promoteToRunOfOnes(cidx int, n uint16) {
	if cidx > 0 {
		prev := l.chunks[cidx-1]
		if prev&chunkTypeBitVector == 0 && prev&runOfOnesBit != 0 {
			length := prev & runLengthMask
			if length+n <= maxRunLength {
				l.chunks[cidx-1] = runOfOnesBit | (length + n)
				l.chunks = l.chunks[:cidx]
				l.bitIdx = maxBitIdx
				if !l.atCapacity() {
					l.chunks = append(l.chunks, chunkTypeBitVector)
				} else {
					l.exceedLimit = true
				}
				return
			}
		}
	}

	l.chunks[cidx] = runOfOnesBit | n
	if !l.atCapacity() {
		l.chunks = append(l.chunks, chunkTypeBitVector)
		l.bitIdx = maxBitIdx
	} else {
		l.exceedLimit = true
	}
}

// fillZeroRun advances the engine past `zeros` unreceived sequence
// numbers, splitting into a run-of-zeros chunk for whole multiples of 15
// and a fresh bit-vector for the remainder, per spec §4.3 item 4.
func (l *LossRLE) fillZeroRun(zeros uint32) {
	remaining := zeros

	// Finish filling whatever room is left in the currently open vector.
	cidx := l.curChunk()
	if l.exceedLimit {
		return
	}
	room := uint32(l.bitIdx)
	if remaining < room {
		l.bitIdx -= int(remaining)
		return
	}
	remaining -= room
	l.bitIdx = 0
	_ = cidx
	if !l.openNewChunk() {
		return
	}
	if remaining == 0 {
		return
	}

	// Whole run-of-zeros chunks, starting at a fresh chunk boundary.
	for remaining >= maxBitIdx {
		run := remaining / maxBitIdx
		if run*maxBitIdx > maxRunLength {
			run = maxRunLength / maxBitIdx
		}
		idx := l.curChunk()
		l.chunks[idx] = uint16(run) * maxBitIdx
		remaining -= run * maxBitIdx
		if !l.openNewChunk() {
			return
		}
	}

	// Remainder fills the start of the next (fresh) vector chunk.
	if remaining > 0 {
		l.curChunk()
		l.bitIdx -= int(remaining)
	}
}

// UpdateSeq feeds one received extended sequence number through the
// engine, per spec §4.3 "Update rule for extended seq".
func (l *LossRLE) UpdateSeq(eseq uint32) {
	switch {
	case eseq < l.eseqStart:
		l.BeforeIntvl++
		return

	case l.exceedLimit:
		if eseq >= l.nextExpected {
			l.nextExpected = eseq + 1
			l.NotReported++
		} else {
			l.NotReported++
		}
		l.totals = l.nextExpected - l.eseqStart
		return

	case eseq == l.nextExpected:
		if !l.exceedLimit {
			l.setBit()
		}
		l.nextExpected++
		l.totals++

	case eseq > l.nextExpected:
		gap := eseq - l.nextExpected
		l.fillZeroRun(gap)
		if !l.exceedLimit {
			l.setBit()
		}
		l.LostPackets += uint64(gap)
		l.nextExpected = eseq + 1
		l.totals += gap + 1

	default: // eseq < next_expected: late arrival or duplicate
		l.handleLate(eseq)
	}

	if l.atCapacity() || l.totals >= maxSeqAllowed {
		l.exceedLimit = true
	}
}

// handleLate walks backward over the chunk array to find the chunk that
// covers eseq, then flips its bit (recording a duplicate) or splits a
// run-of-zeros chunk to record a previously-lost packet's late arrival,
// per spec §4.3 item 5.
func (l *LossRLE) handleLate(eseq uint32) {
	l.LateArrivals++

	// position of eseq within [eseqStart, eseqStart+totals)
	offset := eseq - l.eseqStart
	if offset >= l.totals {
		l.NotReported++
		return
	}

	// Walk chunks accumulating span until we find the one holding offset.
	var span uint32
	for idx := 0; idx < len(l.chunks); idx++ {
		c := l.chunks[idx]
		var chunkSpan uint32
		var isVector bool
		if c&chunkTypeBitVector != 0 {
			isVector = true
			chunkSpan = maxBitIdx
			if idx == len(l.chunks)-1 {
				chunkSpan = uint32(maxBitIdx - l.bitIdx)
			}
		} else {
			chunkSpan = uint32(c & runLengthMask)
		}

		if offset < span+chunkSpan {
			posInChunk := offset - span
			if isVector {
				bitPos := uint(maxBitIdx-1) - uint(posInChunk)
				mask := uint16(1) << bitPos
				if l.chunks[idx]&mask != 0 {
					l.DupPackets++
				} else {
					l.chunks[idx] |= mask
					l.LostPackets--
				}
			} else {
				isOnes := c&runOfOnesBit != 0
				if isOnes {
					l.DupPackets++
				} else {
					l.splitZeroRunForLateArrival(idx, chunkSpan, posInChunk)
					l.LostPackets--
				}
			}
			return
		}
		span += chunkSpan
	}
}

// splitZeroRunForLateArrival replaces a run-of-zeros chunk of length
// runLen at idx with up to three chunks: a leading run, a single
// bit-vector carrying the now-received slot, and a trailing run. When the
// split would exceed max_chunks_allow the tail is discarded and accounted
// as not_reported.
func (l *LossRLE) splitZeroRunForLateArrival(idx int, runLen uint32, posInChunk uint32) {
	leading := posInChunk
	trailing := runLen - posInChunk - 1

	var replacement []uint16
	if leading > 0 {
		replacement = append(replacement, uint16(leading))
	}
	vec := chunkTypeBitVector | (uint16(1) << (maxBitIdx - 1))
	replacement = append(replacement, vec)
	if trailing > 0 {
		replacement = append(replacement, uint16(trailing))
	}

	grown := len(l.chunks) - 1 + len(replacement)
	if l.maxChunksAllow > 0 && grown > l.maxChunksAllow {
		keep := l.maxChunksAllow - (len(l.chunks) - 1)
		if keep < 0 {
			keep = 0
		}
		discarded := len(replacement) - keep
		replacement = replacement[:keep]
		l.exceedLimit = true
		l.NotReported += uint64(discarded)
	}

	tail := make([]uint16, len(l.chunks)-idx-1)
	copy(tail, l.chunks[idx+1:])

	l.chunks = append(l.chunks[:idx], replacement...)
	l.chunks = append(l.chunks, tail...)
}

// Totals returns the number of sequence numbers represented in the
// interval so far.
func (l *LossRLE) Totals() uint32 { return l.totals }

// ExceedLimit reports whether the chunk budget has been exhausted.
func (l *LossRLE) ExceedLimit() bool { return l.exceedLimit }

// Chunks returns the encoded chunk array (wire order).
func (l *LossRLE) Chunks() []uint16 {
	out := make([]uint16, len(l.chunks))
	copy(out, l.chunks)
	return out
}

// DecodeReceived reconstructs the received/lost bitmap for this engine's
// current interval, trimmed to exactly Totals() entries: one bool per
// sequence number in [eseqStart, eseqStart+totals).
func (l *LossRLE) DecodeReceived() []bool {
	bits := Decode(l.chunks)
	if uint32(len(bits)) > l.totals {
		bits = bits[:l.totals]
	}
	return bits
}

// Decode reconstructs the received/lost bitmap encoded by chunks: 15
// bools per bit-vector chunk and the run length per run chunk, untrimmed,
// so unused slots of a partly filled last vector come out false
// (DecodeReceived trims to Totals()). It is the inverse of the encode path and is used to verify the
// round-trip law in spec §8.
func Decode(chunks []uint16) []bool {
	var out []bool
	for _, c := range chunks {
		if c&chunkTypeBitVector != 0 {
			for i := maxBitIdx - 1; i >= 0; i-- {
				out = append(out, c&(1<<uint(i)) != 0)
			}
		} else {
			length := int(c & runLengthMask)
			isOnes := c&runOfOnesBit != 0
			for i := 0; i < length; i++ {
				out = append(out, isOnes)
			}
		}
	}
	return out
}
