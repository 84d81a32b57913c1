// Package session implements the RTP/RTCP session base and its five
// polymorphic variants (spec §4.6, §4.7), grounded on
// pkg/rtpreceiver/receiver.go's mutex-protected, background-ticker
// structure from bluenviron-gortsplib, generalized from "one remote
// source" to a full per-session member table.
package session

import (
	"net"

	"github.com/wmanley/vqe-receiver/rtcpxr"
	"github.com/wmanley/vqe-receiver/rtpsrc"
)

// MemberSubtype distinguishes a provisioned-channel member from a
// dynamically-joined client member, mirroring the teacher pools'
// ClientMember/ChannelMember split used for RTCP memory accounting.
type MemberSubtype int

const (
	SubtypeClient MemberSubtype = iota
	SubtypeChannel
)

// MaxSendersCachedDefault is the default RR-cache size per member.
const MaxSendersCachedDefault = 8

// SenderGleaned holds the fields last gleaned from this member's own
// RTCP Sender Reports, when the member is itself a sender.
type SenderGleaned struct {
	HaveSR      bool
	NTP         uint64 // 64-bit NTP timestamp from the SR
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// RRSlot is one cached Receiver Report block this member has sent about
// another sender, indexed by that sender's position in the bitmask.
type RRSlot struct {
	Valid        bool
	SenderSSRC   uint32
	FractionLost uint8
	TotalLost    int32
	Jitter       uint32
}

// Member is one session participant (spec §3 "RTP member").
type Member struct {
	SSRC uint32

	RTPAddr  net.Addr
	RTCPAddr net.Addr

	CNAME string

	ReceiverOnly bool
	Subtype      MemberSubtype

	Seq rtpsrc.Source
	XR  *rtcpxr.LossRLE

	Sender SenderGleaned

	// RRCache has MaxSendersCached slots. Nothing in this package fills
	// it: incoming reception-report blocks are discarded, so every slot
	// keeps Valid false.
	RRCache          []RRSlot
	MaxSendersCached int

	// SendersBitmaskOverflowed is never set by this package and stays
	// false; no sender bitmask is kept.
	SendersBitmaskOverflowed bool

	LastSenderActivity  int64 // unix micros, updated on SR/RTP receipt
	LastAnyActivity     int64 // unix micros, updated on any packet
	TimedOutToReceiver  bool
	MarkedForGarbage    bool
}

// NewMember constructs a Member ready to track sequence state. xrEnabled
// selects whether the member gets a Loss RLE tracker (spec §4.6
// "feed XR RLE if enabled").
func NewMember(ssrc uint32, cname string, subtype MemberSubtype, maxSendersCached int, xrEnabled bool, xrMaxSize int) *Member {
	if maxSendersCached <= 0 {
		maxSendersCached = MaxSendersCachedDefault
	}
	m := &Member{
		SSRC:             ssrc,
		CNAME:            cname,
		Subtype:          subtype,
		RRCache:          make([]RRSlot, maxSendersCached),
		MaxSendersCached: maxSendersCached,
	}
	if xrEnabled {
		m.XR = rtcpxr.New(xrMaxSize)
		m.Seq.XR = m.XR
	}
	return m
}
