// Package nll implements the Numeric Lock Loop: a software phase/frequency
// lock loop that maps each incoming packet's sender timestamp to a
// predicted local receive time, tracking the sender's clock rate with
// bounded error and recovering from discontinuities.
//
// Grounded on original_source/eva/vqec-dp/channel/vqec_nll.c. The loop
// constants, the mode switch, the discontinuity handling and the
// monotonicity guard are carried over unchanged; only the surrounding
// idiom (struct methods instead of a pointer-to-struct C API, an
// injected logger instead of a syslog macro) is adapted to Go, in the
// style of the teacher's rtpreceiver.Receiver: a plain struct with an
// Initialize-like zero value and mutex-protected methods.
package nll

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/wmanley/vqe-receiver/internal/vqlog"
	"github.com/wmanley/vqe-receiver/vqetime"
)

// Mode is the NLL's operating mode.
type Mode int

const (
	// Nontracking means the receiver has no reliable wall-clock sample
	// for the stream; predictions are driven solely by sender-timestamp
	// deltas applied to a running base.
	Nontracking Mode = iota
	// Tracking means the sample's real arrival time is known and is
	// compared against the prediction to drive the first-order loop.
	Tracking
)

const (
	// maxArrivalError bounds the tracking-mode arrival error that the
	// loop will consume; beyond it the base is reset.
	maxArrivalError = 100 * 1000 // microseconds

	// maxDiscontinuityThreshold is the |rtp_delta| past which a
	// non-tracking sample is treated as an implicit discontinuity.
	maxDiscontinuityThreshold = 100 * 1000 // microseconds

	// mvAvgShift and slewShift together form the 30-bit right shift
	// that fuses the moving-average decay and the slew-rate division
	// into a single integer operation.
	mvAvgShift = 20
	slewShift  = 10

	// mvAvgMult is r expressed as a (1<<mvAvgShift)-numerator fraction:
	// about a 5% decay rate for the moving average.
	mvAvgMult = (1 << mvAvgShift) - (1 << mvAvgShift)/20
)

// mvAvgErrorCorr is 1/(1-r), used to fold the correction back into E[n].
var mvAvgErrorCorr = int64(1<<mvAvgShift) / int64((1<<mvAvgShift)-mvAvgMult)

// Counters holds the NLL's diagnostic counters. A Reset zeroes all of
// them except Resets itself, which increments across resets.
type Counters struct {
	NumExpDisc         uint32
	NumImpDisc         uint32
	NumObs             uint32
	PredictInPast      uint32
	Resets             uint32
	ResetBaseNoActTime uint32
	TotalAdj           vqetime.Rel
}

// NLL is a single stream's Numeric Lock Loop state.
type NLL struct {
	mutex  sync.Mutex
	log    zerolog.Logger
	Clock  int64 // clock rate in Hz, e.g. 90000 for a 90 kHz PCR clock

	mode           Mode
	switchToTrack  bool
	gotFirst       bool
	pcr32Base      vqetime.PCR
	predBase       vqetime.Abs
	errorAvg       vqetime.Rel
	lastActualTime vqetime.Abs
	primaryOffset  vqetime.Rel

	counters Counters
}

// New creates an NLL for a stream with the given clock rate (Hz). A zero
// logger disables logging, matching the teacher's optional-callback
// convention.
func New(clockRateHz int64, log *zerolog.Logger) *NLL {
	return &NLL{
		Clock: clockRateHz,
		log:   vqlog.Named(vqlog.OrDisabled(log), "nll"),
	}
}

// Reset force-resets the NLL to non-tracking mode. Resets survives; every
// other field returns to zero.
func (n *NLL) Reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	resets := n.counters.Resets
	*n = NLL{Clock: n.Clock, log: n.log}
	n.counters.Resets = resets + 1
}

// SetTrackingMode latches a request to switch to tracking mode. The
// actual switch happens on the next sample handed to Adjust, not
// synchronously, because the skew between the first tracking-mode
// sample's predicted and actual arrival time must be captured as
// primary_offset.
func (n *NLL) SetTrackingMode() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.switchToTrack = true
}

// Mode returns the current operating mode.
func (n *NLL) Mode() Mode {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.mode
}

// Counters returns a copy of the NLL's diagnostic counters.
func (n *NLL) Counters() Counters {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.counters
}

// pcrDelta returns the closest-of-two-deltas signed distance from
// pcr32Base to pcr32, expressed as a Rel at the NLL's configured clock rate.
func (n *NLL) pcrDelta(pcr32 vqetime.PCR) vqetime.Rel {
	d := vqetime.PCRDelta(n.pcr32Base, pcr32)
	return vqetime.RelFromPCRDelta(d, n.Clock)
}

// updateError maintains the cumulative arrival error E[n] and returns the
// correction c[n] to apply to the current sample, per the loop equations
// in spec §4.1:
//
//	E[n]  = e[n] + r*E[n-1]
//	f[n]  = E[n]*(1-r)
//	c[n]  = -f[n]*s
//	E'[n] = E[n] + c[n]/(1-r)
func (n *NLL) updateError(arrivalError vqetime.Rel) vqetime.Rel {
	n.errorAvg = n.errorAvg.Mult(mvAvgMult).RightShift(mvAvgShift).Add(arrivalError)

	correction := n.errorAvg.Mult((1 << mvAvgShift) - mvAvgMult).RightShift(mvAvgShift + slewShift).Neg()

	n.counters.TotalAdj = n.counters.TotalAdj.Add(correction)

	n.errorAvg = n.errorAvg.Add(correction.Mult(mvAvgErrorCorr))

	return correction
}

// Adjust feeds one sample into the NLL and returns the predicted local
// delivery time for it. disc is both an input (the caller may flag an
// explicit discontinuity) and conceptually an output: the returned bool
// may be true even when the caller passed false, if the loop itself
// detected an implicit discontinuity.
//
// actual is the real arrival wall-clock time of the sample, or the zero
// value if unknown (e.g. during a repair burst). pcr32 is the sender's
// 32-bit media timestamp. estRTPDelta is the caller's own estimate of the
// inter-sample RTP delta, used only on a discontinuity.
func (n *NLL) Adjust(actual vqetime.Abs, pcr32 vqetime.PCR, estRTPDelta vqetime.Rel, disc bool) (predicted vqetime.Abs, discOut bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	prevPredBase := n.predBase

	if disc {
		n.counters.NumExpDisc++
	}

	switch n.mode {
	case Nontracking:
		discOut = n.adjustNontracking(actual, pcr32, estRTPDelta, disc)
	case Tracking:
		discOut = n.adjustTracking(actual, pcr32, estRTPDelta, disc)
	}

	// Protect backward fold in predicted time.
	if n.predBase.Before(prevPredBase) {
		n.log.Debug().
			Int64("new_base_us", int64(n.predBase)).
			Int64("old_base_us", int64(prevPredBase)).
			Msg("prediction in past, retaining previous pred_base")
		n.predBase = prevPredBase
		n.counters.PredictInPast++
	}

	n.pcr32Base = pcr32
	n.counters.NumObs++

	if n.mode == Tracking {
		n.lastActualTime = actual
		predicted = n.predBase.Add(n.primaryOffset)
	} else {
		predicted = n.predBase

		if n.switchToTrack {
			var act vqetime.Abs
			if actual.IsZero() {
				act = n.predBase
			} else {
				act = actual
			}

			n.primaryOffset = n.predBase.Sub(act)
			if actual.IsZero() {
				n.log.Warn().Msg("switch to tracking mode without a non-zero actual time; primary_offset forced to 0")
			}
			n.predBase = act
			n.lastActualTime = act
			n.switchToTrack = false
			n.mode = Tracking
		}
	}

	return predicted, discOut
}

func (n *NLL) adjustNontracking(actual vqetime.Abs, pcr32 vqetime.PCR, estRTPDelta vqetime.Rel, disc bool) bool {
	if !n.gotFirst {
		n.gotFirst = true
		if !actual.IsZero() {
			n.predBase = actual
		} else {
			n.predBase = vqetime.Now()
		}
		return true
	}

	var timeDelta vqetime.Rel
	if !disc {
		timeDelta = n.pcrDelta(pcr32)
	}

	if disc || timeDelta.GreaterThan(vqetime.Rel(maxDiscontinuityThreshold)) ||
		timeDelta.Neg().GreaterThan(vqetime.Rel(maxDiscontinuityThreshold)) {
		n.predBase = n.predBase.Add(estRTPDelta)
		if !disc {
			n.counters.NumImpDisc++
			disc = true
		}
	} else {
		n.predBase = n.predBase.Add(timeDelta)
	}

	return disc
}

func (n *NLL) adjustTracking(actual vqetime.Abs, pcr32 vqetime.PCR, estRTPDelta vqetime.Rel, disc bool) bool {
	if !n.gotFirst {
		n.gotFirst = true
		if !actual.IsZero() {
			n.predBase = actual
		} else {
			n.predBase = vqetime.Now()
		}
		return true
	}

	resetBase := false
	var timeDelta vqetime.Rel

	if !disc {
		timeDelta = n.pcrDelta(pcr32)
	} else if !actual.IsZero() && !n.lastActualTime.IsZero() {
		timeDelta = actual.Sub(n.lastActualTime)
		if timeDelta.GreaterThan(vqetime.Rel(maxDiscontinuityThreshold)) ||
			timeDelta.Neg().GreaterThan(vqetime.Rel(maxDiscontinuityThreshold)) {
			resetBase = true
		}
	}

	if !resetBase {
		// act is identical to the prediction when actual is zero, which
		// collapses this sample's contribution to the loop to zero
		// error. This is the documented, intentional behavior of the
		// source (see DESIGN.md "Open Questions") and must not be
		// "improved" by substituting a different fallback.
		var act vqetime.Abs
		if actual.IsZero() {
			act = n.predBase.Add(timeDelta)
		} else {
			act = actual
		}

		predArrival := n.predBase.Add(timeDelta)
		arrivalError := predArrival.Sub(act)

		if withinArrivalErrorBound(arrivalError) {
			correction := n.updateError(arrivalError)
			n.predBase = predArrival.Add(correction)
		} else {
			resetBase = true
		}
	}

	if resetBase {
		if !disc {
			n.counters.NumImpDisc++
			disc = true
		}

		if !actual.IsZero() {
			n.predBase = actual
		} else {
			n.counters.ResetBaseNoActTime++
			n.log.Debug().Msg("tracking-mode base reset requested without an actual time")
		}
		n.errorAvg = 0
	}

	return disc
}

func withinArrivalErrorBound(e vqetime.Rel) bool {
	return e < vqetime.Rel(maxArrivalError) && e > vqetime.Rel(-maxArrivalError)
}
