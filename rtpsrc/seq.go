package rtpsrc

const (
	// SeqMod is 2^16, the modulus of the 16-bit RTP sequence space.
	SeqMod = 1 << 16
	// MaxDropout bounds an in-order gap (spec §4.2, §3).
	MaxDropout = 3000
	// MaxMisorder is subtracted from SeqMod to find the large-jump boundary.
	MaxMisorder = 100
)

// SeqStatus is the outcome of feeding one sequence number through the
// per-source tracker.
type SeqStatus int

const (
	// SeqOK is an in-order packet within the permissible gap.
	SeqOK SeqStatus = iota
	// SeqStart is the first packet ever seen from this source; RTCP must
	// be notified of the new source.
	SeqStart
	// SeqRestart is a large jump confirmed by the next packet carrying
	// the sequence number right after the jump; the source state was
	// re-initialized and RTCP must be notified.
	SeqRestart
	// SeqJump is an unconfirmed large jump; the packet must be discarded.
	SeqJump
	// SeqDup is a trivial duplicate: same sequence number as max_seq.
	SeqDup
	// SeqMisorder is a re-ordered packet behind max_seq but within range.
	SeqMisorder
)

// XRFeeder receives every accepted extended sequence number, letting the
// RTCP XR Loss RLE engine track received/lost status independently of
// this package. A nil feeder means XR reporting is disabled for this source.
type XRFeeder interface {
	UpdateSeq(eseq uint32)
	InitSeq(eseqStart uint32, reInit bool)
}

// Source is the per-source sequence-space and jitter state described in
// spec §3 "RTP per-source state".
type Source struct {
	XR XRFeeder

	maxSeq       uint16
	cycles       uint32
	baseSeq      uint16
	badSeq       uint32
	received     uint64
	lost         int64
	dups         uint64
	outOfOrder   uint64
	seqjumps     uint64
	initseqCount uint64

	// jitter
	transit int64
	jitter  float64

	lastArrivalMedia uint32
	haveLastArrival  bool

	// RR-emission prior snapshots
	receivedPrior  uint64
	receivedPenult uint64
	expectedPrior  uint64
}

// initSeq (re-)establishes a base sequence number for the source, per
// rtp_init_seq(): base_seq and max_seq become seq, bad_seq becomes
// SeqMod+1, and every other counter but seqjumps/initseqCount returns to
// zero.
func (s *Source) initSeq(seq uint16, reInit bool) {
	s.baseSeq = seq
	s.badSeq = SeqMod + 1
	s.maxSeq = seq
	s.cycles = 0
	s.transit = 0
	s.jitter = 0
	s.received = 0
	s.receivedPrior = 0
	s.receivedPenult = 0
	s.expectedPrior = 0
	s.haveLastArrival = false
	s.lastArrivalMedia = 0
	s.outOfOrder = 0
	s.dups = 0
	s.lost = 0
	s.initseqCount++

	if s.XR != nil {
		s.XR.InitSeq(s.extendedSeq(seq), reInit)
	}
}

// extendedSeq combines the cycle count with a 16-bit sequence number.
func (s *Source) extendedSeq(seq uint16) uint32 {
	return s.cycles + uint32(seq)
}

// UpdateSeq feeds one received sequence number through the tracker,
// mirroring rtp_update_seq(). Packets other than SeqOK, SeqStart and
// SeqRestart should be discarded by the caller.
func (s *Source) UpdateSeq(seq uint16) SeqStatus {
	if s.received == 0 {
		s.initSeq(seq, false)
		if s.XR != nil {
			s.XR.UpdateSeq(s.extendedSeq(seq))
		}
		s.received++
		return SeqStart
	}

	udelta := seq - s.maxSeq

	switch {
	case udelta == 0:
		if s.XR != nil {
			s.XR.UpdateSeq(s.extendedSeq(seq))
		}
		s.received++
		s.dups++
		return SeqDup

	case udelta < MaxDropout:
		if seq < s.maxSeq {
			s.cycles += SeqMod
		}
		s.maxSeq = seq
		if udelta > 1 {
			s.lost += int64(udelta) - 1
		}
		if s.XR != nil {
			s.XR.UpdateSeq(s.extendedSeq(seq))
		}
		s.received++
		return SeqOK

	case udelta <= SeqMod-MaxMisorder:
		if uint32(seq) == s.badSeq {
			s.initSeq(seq, true)
			if s.XR != nil {
				s.XR.UpdateSeq(s.extendedSeq(seq))
			}
			s.received++
			return SeqRestart
		}
		s.badSeq = uint32(seq+1) & (SeqMod - 1)
		s.seqjumps++
		return SeqJump

	default:
		var eseq uint32
		if int16(s.maxSeq-seq) > 0 {
			eseq = s.cycles + uint32(seq)
		} else {
			eseq = s.cycles - SeqMod + uint32(seq)
		}
		if s.XR != nil {
			s.XR.UpdateSeq(eseq)
		}

		s.outOfOrder++
		s.lost--
		s.received++
		return SeqMisorder
	}
}

// UpdateJitter folds one packet's transit time into the RFC 3550 jitter
// estimator. arrivalMedia and pktMedia are both expressed in the
// stream's media clock units (e.g. 90 kHz ticks).
func (s *Source) UpdateJitter(arrivalMedia, pktMedia uint32) {
	transit := int64(arrivalMedia) - int64(pktMedia)

	if s.haveLastArrival {
		d := transit - s.transit
		if d < 0 {
			d = -d
		}
		s.jitter += float64(d) - s.jitter/16
	}

	s.transit = transit
	s.lastArrivalMedia = arrivalMedia
	s.haveLastArrival = true
}

// Jitter returns the current interarrival jitter estimate in media clock
// units, the value an RR block carries. The estimator state is kept
// scaled x16 per RFC 3550 and is scaled back down here.
func (s *Source) Jitter() uint32 {
	return uint32(s.jitter / 16)
}

// RolloverPriors performs the post-RR-emission snapshot rollover of spec
// §4.2 "Prior rollover": it must be called exactly once per RR emitted
// for this source.
func (s *Source) RolloverPriors() {
	expected := uint64(s.cycles) + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
	s.expectedPrior = expected
	s.receivedPenult = s.receivedPrior
	s.receivedPrior = s.received
}

// Stats is a read-only snapshot of the tracker's counters, used by RR
// construction and diagnostics.
type Stats struct {
	MaxSeq        uint16
	Cycles        uint32
	BaseSeq       uint16
	Received      uint64
	Lost          int64
	Dups          uint64
	OutOfOrder    uint64
	SeqJumps      uint64
	InitSeqCount  uint64
	ExpectedPrior uint64
	ReceivedPrior uint64
}

// Stats returns a snapshot of the source's counters.
func (s *Source) Stats() Stats {
	return Stats{
		MaxSeq:        s.maxSeq,
		Cycles:        s.cycles,
		BaseSeq:       s.baseSeq,
		Received:      s.received,
		Lost:          s.lost,
		Dups:          s.dups,
		OutOfOrder:    s.outOfOrder,
		SeqJumps:      s.seqjumps,
		InitSeqCount:  s.initseqCount,
		ExpectedPrior: s.expectedPrior,
		ReceivedPrior: s.receivedPrior,
	}
}

// Expected returns cycles + max_seq - base_seq + 1, the expected count
// of packets between init_seq boundaries (spec §3 invariant).
func (s *Source) Expected() uint64 {
	return uint64(s.cycles) + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
}

// FractionLost computes the RFC 3550 8-bit fraction-lost field from the
// delta against the previous RR's expected/received snapshot.
func (s *Source) FractionLost() uint8 {
	expected := s.Expected()
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior

	var lostInterval int64
	if expectedInterval > receivedInterval {
		lostInterval = int64(expectedInterval - receivedInterval)
	}

	if expectedInterval == 0 || lostInterval <= 0 {
		return 0
	}

	return uint8((lostInterval * 256) / int64(expectedInterval))
}
