// Package config holds the process-level configuration descriptors of
// spec section 6: the NAT core's binding/refresh parameters and the RTP
// session's socket/bandwidth/XR/application-type inputs. Validation
// follows the teacher's Init()/Validate() split for its own client
// configuration (see the session and nat packages' use of these types).
package config

import (
	"time"

	"github.com/wmanley/vqe-receiver/liberrors"
)

// ApplicationType enumerates the RTP application kinds an RTP session
// can be configured for; it feeds the per-variant construct/process
// dispatch in package session.
type ApplicationType int

const (
	ApplicationVideo ApplicationType = iota
	ApplicationAudio
	ApplicationGeneric
)

// CookieMultiplier is COOKIE_MULTIPLIER: the NAT cookie pool is sized at
// this multiple of MaxBindings.
const CookieMultiplier = 3

// NATConfig carries the process-level inputs to the NAT traversal core.
type NATConfig struct {
	// MaxBindings bounds the number of simultaneous STUN/UPnP bindings.
	MaxBindings int
	// RefreshInterval is the periodic cadence bindings are refreshed on.
	RefreshInterval time.Duration
	// MaxPacketSize bounds inbound STUN/SOAP datagram sizes.
	MaxPacketSize int
	// InputInterface names the local interface UPnP SSDP/SOAP binds to.
	InputInterface string
}

// Validate rejects a NATConfig that cannot be acted on.
func (c NATConfig) Validate() error {
	if c.MaxBindings <= 0 {
		return liberrors.ErrInvalidArgument{Reason: "nat: MaxBindings must be positive"}
	}
	if c.RefreshInterval <= 0 {
		return liberrors.ErrInvalidArgument{Reason: "nat: RefreshInterval must be positive"}
	}
	if c.MaxPacketSize <= 0 {
		return liberrors.ErrInvalidArgument{Reason: "nat: MaxPacketSize must be positive"}
	}
	return nil
}

// CookiePoolSize returns the NAT cookie pool capacity for this config.
func (c NATConfig) CookiePoolSize() int {
	return c.MaxBindings * CookieMultiplier
}

// XRConfig selects which RTCP XR blocks a session variant appends to
// its compound reports.
type XRConfig struct {
	LossRLEEnabled bool
	// LossRLEMaxSize bounds the XR Loss RLE block in bytes, feeding
	// rtcpxr.New's max_chunks_allow derivation.
	LossRLEMaxSize int
	MAEnabled      bool
	DCEnabled      bool
}

// BandwidthConfig carries the per-role bandwidth inputs consumed by
// package rtcpbw.
type BandwidthConfig struct {
	// SessionASKbps is the SDP "AS" attribute, in kbps; HaveSessionAS
	// distinguishes unset from explicitly zero.
	SessionASKbps uint64
	HaveSessionAS bool

	SenderExplicitBW     uint64 // RFC 3556 RS, bps
	HaveSenderExplicitBW bool

	ReceiverExplicitBW     uint64 // RFC 3556 RR, bps
	HaveReceiverExplicitBW bool

	CfgPerMemberBW     uint64 // from fmtp, bps
	HaveCfgPerMemberBW bool
}

// SessionConfig carries the process-level inputs to an RTP session.
type SessionConfig struct {
	// LocalRTPAddr/LocalRTCPAddr are the local sockets to bind.
	LocalRTPAddr  string
	LocalRTCPAddr string

	Bandwidth BandwidthConfig
	XR        XRConfig

	Application ApplicationType

	// ReducedSize enables RFC 5506 reduced-size RTCP (RR/SDES without a
	// mandatory SR).
	ReducedSize bool

	// MaxSendersCached bounds the per-member RR cache (max_senders_cached).
	MaxSendersCached int

	// ClockRateHz is the media clock rate (e.g. 90000 for MPEG-TS/RTP)
	// used by package nll and by PCR delta computation.
	ClockRateHz int64
}

// Init fills in the zero-value defaults the teacher's session
// constructors apply when a caller leaves a field unset.
func (c *SessionConfig) Init() {
	if c.MaxSendersCached == 0 {
		c.MaxSendersCached = 1
	}
	if c.ClockRateHz == 0 {
		c.ClockRateHz = 90000
	}
}

// Validate rejects a SessionConfig that cannot be acted on.
func (c SessionConfig) Validate() error {
	if c.LocalRTPAddr == "" {
		return liberrors.ErrInvalidArgument{Reason: "session: LocalRTPAddr is required"}
	}
	if c.MaxSendersCached <= 0 {
		return liberrors.ErrInvalidArgument{Reason: "session: MaxSendersCached must be positive"}
	}
	if c.ClockRateHz <= 0 {
		return liberrors.ErrInvalidArgument{Reason: "session: ClockRateHz must be positive"}
	}
	if c.XR.LossRLEEnabled && c.XR.LossRLEMaxSize <= 0 {
		return liberrors.ErrInvalidArgument{Reason: "session: XR.LossRLEMaxSize must be positive when LossRLEEnabled"}
	}
	return nil
}
