// Package rtcpbw implements RTCP bandwidth apportionment between sender
// and receiver roles and the randomized report-interval calculator,
// grounded on original_source/rtp/rtcp_bandwidth.c (rtcp_set_role_bw_info,
// rtcp_get_intvl_calc_params, rtcp_td_interval, rtcp_jitter_interval).
package rtcpbw

import (
	"github.com/wmanley/vqe-receiver/internal/entropy"
)

// Role distinguishes the two bandwidths RFC 3556 allows a session to
// configure independently.
type Role int

const (
	Sender Role = iota
	Receiver
)

// RTCPMaxBW caps any derived tot_role_bw, mirroring RTCP_MAX_BW.
const RTCPMaxBW = 1<<32 - 2

// senderDefaultFraction is RTCP_SENDER_BW_FRACTION: the share of total
// RTCP bandwidth reserved for senders absent an explicit per-role RS/RR.
const senderDefaultFraction = 0.25

// compensation corrects for "timer reconsideration" converging to a
// value below the intended average: e - 1.5.
const compensation = 2.71828 - 1.5

// rtcpMinTime is the deterministic-interval floor, in seconds.
const rtcpMinTime = 5.0

// jitterRandomType seeds the jitter PRNG distinctly from SSRC generation,
// mirroring RANDOM_GENERIC_TYPE's role as a discriminator in rtp_random32.
const jitterRandomType = 2

// RoleBW carries one role's bandwidth inputs and its RFC-3556-derived
// total. Per-field Have flags distinguish "configured as zero" from
// "not configured", since the source system uses an out-of-band
// RTCP_BW_UNSPECIFIED sentinel for the same purpose.
type RoleBW struct {
	CfgPerMemberBW     uint64 // bps, from fmtp
	HaveCfgPerMemberBW bool

	RptPerMemberBW     uint64 // bps, converted from an RSI BI subreport
	HaveRptPerMemberBW bool

	ExplicitBW     uint64 // bps, from an RFC 3556 RS/RR attribute
	HaveExplicitBW bool

	TotRoleBW     uint64 // bps, set by ResolveTotRoleBW
	HaveTotRoleBW bool
}

// ResolveTotRoleBW derives role's TotRoleBW from the RFC 3556 precedence
// order: explicit RS/RR, then an AS-derived share (subtracting the other
// role's explicit bandwidth if set, else applying the role's default
// fraction), else left unspecified. asKbps/haveAS carry the session-level
// "AS" SDP attribute in kbps.
func ResolveTotRoleBW(role *RoleBW, other RoleBW, asKbps uint64, haveAS bool, isSender bool) {
	if role.HaveExplicitBW {
		role.TotRoleBW = capBW(role.ExplicitBW)
		role.HaveTotRoleBW = true
		return
	}

	if haveAS {
		totRTCPBW := float64(asKbps) * 1000 * 0.05
		var bw float64
		if other.HaveExplicitBW {
			bw = totRTCPBW - float64(other.ExplicitBW)
			if bw < 0 {
				bw = 0
			}
		} else {
			fraction := senderDefaultFraction
			if !isSender {
				fraction = 1 - senderDefaultFraction
			}
			bw = totRTCPBW * fraction
		}
		role.TotRoleBW = capBW(uint64(bw))
		role.HaveTotRoleBW = true
		return
	}

	role.HaveTotRoleBW = false
}

func capBW(v uint64) uint64 {
	if v > RTCPMaxBW {
		return RTCPMaxBW
	}
	return v
}

// IntervalInputs is the normalized set of parameters rtcp_td_interval
// consumes, after the per-member-vs-session-wide precedence in
// BuildIntervalInputs has been resolved.
type IntervalInputs struct {
	Members           int
	Senders           int
	RTCPBWBytesPerSec float64
	SenderBWFraction  float64
	AvgSize           float64
	WeSent            bool
	Initial           bool
}

// BuildIntervalInputs resolves the "per-packet parameters for Td":
// when this member's role carries a configured or reported per-member
// bandwidth, the interval collapses to a single-member computation over
// that bandwidth; otherwise it uses the session-wide totals across role
// and other (the other role in the same session).
func BuildIntervalInputs(role, other RoleBW, weSent bool, avgPktSizeSent float64, sessionMembers, sessionSenders int, avgSizeSession float64, initial bool) IntervalInputs {
	if perMemberBW, ok := perMemberBandwidth(role); ok {
		senders := 0
		fraction := 0.0
		if weSent {
			senders = 1
			fraction = 1.0
		}
		return IntervalInputs{
			Members:           1,
			Senders:           senders,
			RTCPBWBytesPerSec: float64(perMemberBW) / 8,
			SenderBWFraction:  fraction,
			AvgSize:           avgPktSizeSent,
			WeSent:            weSent,
			Initial:           initial,
		}
	}

	var roleBW, otherBW uint64
	if role.HaveTotRoleBW {
		roleBW = role.TotRoleBW
	}
	if other.HaveTotRoleBW {
		otherBW = other.TotRoleBW
	}
	totRoleBW := float64(roleBW) + float64(otherBW)

	var fraction float64
	if totRoleBW > 0 {
		if weSent {
			fraction = float64(roleBW) / totRoleBW
		} else {
			fraction = float64(otherBW) / totRoleBW
		}
	}

	return IntervalInputs{
		Members:           sessionMembers,
		Senders:           sessionSenders,
		RTCPBWBytesPerSec: totRoleBW / 8,
		SenderBWFraction:  fraction,
		AvgSize:           avgSizeSession,
		WeSent:            weSent,
		Initial:           initial,
	}
}

// perMemberBandwidth reports cfg_per_member_bw if set, else
// rpt_per_member_bw, else that neither is configured.
func perMemberBandwidth(role RoleBW) (uint64, bool) {
	if role.HaveCfgPerMemberBW {
		return role.CfgPerMemberBW, true
	}
	if role.HaveRptPerMemberBW {
		return role.RptPerMemberBW, true
	}
	return 0, false
}

// TdResult is the deterministic interval and the bandwidth/membership
// figures actually used to compute it.
type TdResult struct {
	Td            float64
	ActualBW      float64
	ActualMembers int
}

// ComputeTd computes the deterministic RTCP interval, grounded on
// rtcp_td_interval: apportion bandwidth between sender and receiver
// groups unless senders already take more than their fraction, divide
// the effective group's share of the traffic by its bandwidth, and
// enforce the 5s floor (2.5s on the very first report).
func ComputeTd(in IntervalInputs) TdResult {
	minTime := rtcpMinTime
	if in.Initial {
		minTime /= 2
	}

	rcvrFraction := 1 - in.SenderBWFraction
	bw := in.RTCPBWBytesPerSec
	n := in.Members

	if float64(in.Senders) <= float64(in.Members)*in.SenderBWFraction {
		if in.WeSent {
			bw *= in.SenderBWFraction
			n = in.Senders
		} else {
			bw *= rcvrFraction
			n -= in.Senders
		}
	}

	t := 0.0
	if bw > 0 {
		t = in.AvgSize * float64(n) / bw
	}
	if t < minTime {
		t = minTime
	}

	return TdResult{Td: t, ActualBW: bw, ActualMembers: n}
}

// JitterPRNG is the per-session randomization source for ComputeT,
// seeded once and advanced once per call, mirroring the
// rtcp_jitter_init/rtcp_jitter_interval seed-once/rand_r-per-call split.
// rand_r has no portable Go equivalent, so the per-call advance uses a
// small linear congruential generator instead of glibc's TYPE_3 state;
// the uniform-fraction contract rand_r provides is preserved.
type JitterPRNG struct {
	state uint32
}

// NewJitterPRNG seeds a jitter source from the module's MD5-based
// entropy gatherer, once per session.
func NewJitterPRNG() *JitterPRNG {
	return &JitterPRNG{state: entropy.Random32(jitterRandomType)}
}

// SeedJitterPRNG seeds a jitter source from an explicit value, for
// deterministic tests.
func SeedJitterPRNG(seed uint32) *JitterPRNG {
	return &JitterPRNG{state: seed}
}

// next advances the generator and returns a value uniformly distributed
// over [0, 1).
func (p *JitterPRNG) next() float64 {
	p.state = p.state*1103515245 + 12345
	return float64((p.state>>16)&0x7fff) / float64(0x8000)
}

// ComputeT randomizes a deterministic interval into the actual report
// interval, grounded on rtcp_jitter_interval: pick uniformly between
// 0.5*Td and 1.5*Td, then divide by the RFC compensation constant.
func ComputeT(td float64, prng *JitterPRNG) float64 {
	randomFraction := prng.next()
	t := td * (randomFraction + 0.5)
	return t / compensation
}
