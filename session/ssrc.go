package session

import (
	"github.com/wmanley/vqe-receiver/internal/entropy"
)

// ssrcRandomType discriminates SSRC generation from the rtcpbw jitter
// PRNG's seed material, mirroring RANDOM_GENERIC_TYPE's role as a
// per-purpose discriminator in rtp_random32.
const ssrcRandomType = 1

// NewLocalSSRC draws a new local SSRC from the module's MD5-based
// entropy source (spec §4.6 "SSRC selection").
func NewLocalSSRC() uint32 {
	return entropy.Random32(ssrcRandomType)
}

// ConflictKind classifies a CNAME/address mismatch against an existing
// SSRC match, along the two axes spec §4.6 "Conflict resolution" names.
type ConflictKind int

const (
	// ConflictNone: no mismatch: same SSRC, same CNAME and address.
	ConflictNone ConflictKind = iota
	// ConflictPartialLocalSender: SSRC collides with our own local
	// source; CNAME differs. Forces a local SSRC change.
	ConflictPartialLocalSender
	// ConflictPartialThirdParty: SSRC collides between two remote
	// members; CNAME differs. Remembered, not acted on.
	ConflictPartialThirdParty
	// ConflictFullLoop: SSRC and CNAME both match an existing member,
	// but the sender/receiver role disagrees -- a loopback.
	ConflictFullLoop
)

// MaxConflictItems bounds the third-party conflict ring buffer
// (RTP_MAX_CONFLICT_ITEMS).
const MaxConflictItems = 5

// ConflictRecord is one entry of the third-party conflict ring buffer:
// the offending source address and when it was observed.
type ConflictRecord struct {
	Addr            string
	TimestampMicros int64
}

// ConflictLog is a fixed-size ring buffer of third-party SSRC conflicts.
type ConflictLog struct {
	items []ConflictRecord
	next  int
	count int
}

// NewConflictLog constructs a ring buffer sized MaxConflictItems.
func NewConflictLog() *ConflictLog {
	return &ConflictLog{items: make([]ConflictRecord, MaxConflictItems)}
}

// Record appends a conflict observation, overwriting the oldest entry
// once the buffer is full.
func (c *ConflictLog) Record(addr string, timestampMicros int64) {
	c.items[c.next] = ConflictRecord{Addr: addr, TimestampMicros: timestampMicros}
	c.next = (c.next + 1) % len(c.items)
	if c.count < len(c.items) {
		c.count++
	}
}

// Entries returns the recorded conflicts, oldest first.
func (c *ConflictLog) Entries() []ConflictRecord {
	out := make([]ConflictRecord, 0, c.count)
	start := (c.next - c.count + len(c.items)) % len(c.items)
	for i := 0; i < c.count; i++ {
		out = append(out, c.items[(start+i)%len(c.items)])
	}
	return out
}

// ClassifyConflict implements the eight-way table of spec §4.6
// "Conflict resolution", collapsed to the two outcomes this module acts
// on distinctly: local-sender collisions that must force an SSRC
// change, and everything else (remembered or counted, but not acted on
// here -- loop detection increments a counter the caller surfaces via
// diagnostics).
func ClassifyConflict(sameSSRC, sameCNAME, isLocal, roleDiffers bool) ConflictKind {
	if !sameSSRC {
		return ConflictNone
	}
	if sameCNAME {
		if roleDiffers {
			return ConflictFullLoop
		}
		return ConflictNone
	}
	if isLocal {
		return ConflictPartialLocalSender
	}
	return ConflictPartialThirdParty
}
