// Package vqetime implements the four time kinds used by the receiver
// clock-recovery and RTP/RTCP stack: absolute wall time, relative
// intervals, NTP timestamps and 32-bit PCR/RTP media timestamps.
//
// Conversions between kinds are explicit; arithmetic is closed within a
// kind. This mirrors the teacher's rtptime/ntp packages, generalized from
// a single RTP-clock decoder into the full set of kinds the receiver
// needs (abs, rel, NTP, PCR).
package vqetime

import (
	"math"
	"time"
)

// Abs is an absolute wall-clock time at microsecond resolution.
type Abs int64

// Rel is a signed relative interval at microsecond resolution.
type Rel int64

// IsZero reports whether a is the zero Abs value.
func (a Abs) IsZero() bool { return a == 0 }

// Now returns the current wall-clock time as an Abs value.
func Now() Abs { return AbsFromTime(time.Now()) }

// AbsFromTime converts a time.Time into an Abs value.
func AbsFromTime(t time.Time) Abs { return Abs(t.UnixMicro()) }

// Time converts an Abs value back into a time.Time.
func (a Abs) Time() time.Time { return time.UnixMicro(int64(a)) }

// Sub returns the relative interval a-b. Safe across the expected
// lifetime of a session; not safe across the int64-microsecond epoch wrap.
func (a Abs) Sub(b Abs) Rel { return Rel(a - b) }

// Add returns a new Abs shifted by r.
func (a Abs) Add(r Rel) Abs {
	sum := int64(a) + int64(r)
	return Abs(saturate(sum))
}

// Before reports whether a precedes b.
func (a Abs) Before(b Abs) bool { return a < b }

// Milliseconds returns the relative interval in whole milliseconds.
func (r Rel) Milliseconds() int64 { return int64(r) / 1000 }

// Microseconds returns the relative interval in microseconds.
func (r Rel) Microseconds() int64 { return int64(r) }

// Duration converts a Rel into a time.Duration.
func (r Rel) Duration() time.Duration { return time.Duration(r) * time.Microsecond }

// RelFromDuration converts a time.Duration into a Rel value.
func RelFromDuration(d time.Duration) Rel { return Rel(d.Microseconds()) }

// RelFromMillis builds a Rel from a millisecond count.
func RelFromMillis(ms int64) Rel { return Rel(ms * 1000) }

// Neg returns -r.
func (r Rel) Neg() Rel { return Rel(saturate(-int64(r))) }

// Add returns r+o. The sum is not range-checked (see saturate).
func (r Rel) Add(o Rel) Rel { return Rel(saturate(int64(r) + int64(o))) }

// Sub returns r-o. The difference is not range-checked (see saturate).
func (r Rel) Sub(o Rel) Rel { return Rel(saturate(int64(r) - int64(o))) }

// Mult returns r*n, saturating on overflow.
func (r Rel) Mult(n int64) Rel {
	if n == 0 || r == 0 {
		return 0
	}
	product := int64(r) * n
	// overflow check: division must invert the multiplication
	if product/n != int64(r) {
		if (int64(r) > 0) == (n > 0) {
			return Rel(math.MaxInt64)
		}
		return Rel(math.MinInt64)
	}
	return Rel(product)
}

// RightShift returns a new Rel equal to r arithmetically shifted right by n bits.
func (r Rel) RightShift(n uint) Rel { return Rel(int64(r) >> n) }

// GreaterThan reports whether r > o.
func (r Rel) GreaterThan(o Rel) bool { return r > o }

func saturate(v int64) int64 {
	// saturate returns v unchanged. The microsecond intervals this
	// package handles over a session lifetime stay far inside the int64
	// range, so the results of Abs.Add, Rel.Neg, Rel.Add and Rel.Sub are
	// not range-checked; only Mult detects overflow and saturates.
	return v
}

// NTP is a 64-bit NTP timestamp, 32 bits of seconds since 1900-01-01
// followed by 32 bits of binary fraction, per RFC 3550 section 4.
type NTP uint64

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// EncodeNTP converts a time.Time into an NTP timestamp.
func EncodeNTP(t time.Time) NTP {
	total := uint64(t.UnixNano()) + ntpEpochOffset*1_000_000_000
	secs := total / 1_000_000_000
	frac := uint64(math.Round(float64((total%1_000_000_000)*(1<<32)) / 1_000_000_000))
	return NTP(secs<<32 | frac)
}

// Time converts an NTP timestamp back into a time.Time.
func (n NTP) Time() time.Time {
	secs := int64((uint64(n)>>32)-ntpEpochOffset)
	nanos := int64(math.Round(float64((uint64(n)&0xFFFFFFFF)*1_000_000_000) / (1 << 32)))
	return time.Unix(secs, nanos)
}

// PCR is a 32-bit modular media timestamp (the low 32 bits of the 33-bit
// MPEG-TS Program Clock Reference, or an RTP timestamp) at a given clock
// rate, typically 90 kHz.
type PCR uint32

// PCRDelta returns the signed difference (cur-base) between two PCR
// values, choosing the wrap direction with the smaller magnitude. It is
// the "closest-of-two-deltas" modular distance operator: implementations
// must use unsigned wrapping subtraction for both candidates and must
// never compare the wrapped deltas as signed values before picking the
// smaller magnitude.
func PCRDelta(base, cur PCR) int64 {
	fwd := uint32(cur - base)
	bwd := uint32(base - cur)
	if fwd < bwd {
		return int64(fwd)
	}
	return -int64(bwd)
}

// RelFromPCRDelta converts a PCR tick delta into a Rel at the given clock rate.
func RelFromPCRDelta(delta int64, clockRateHz int64) Rel {
	secs := delta / clockRateHz
	rem := delta % clockRateHz
	return Rel(secs*1_000_000 + rem*1_000_000/clockRateHz)
}
