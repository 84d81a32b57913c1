package session

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/wmanley/vqe-receiver/config"
	"github.com/wmanley/vqe-receiver/internal/vqlog"
	"github.com/wmanley/vqe-receiver/liberrors"
	"github.com/wmanley/vqe-receiver/rtcpbw"
	"github.com/wmanley/vqe-receiver/rtpsrc"
	"github.com/wmanley/vqe-receiver/timer"
)

// Stats aggregates the packet-level counters spec §4.6 "Receive
// pipeline" calls for: every inbound RTP/RTCP packet is accounted for
// exactly once, whether accepted or rejected.
type Stats struct {
	RTPReceived   uint64
	RTPRunts      uint64
	RTPBadVersion uint64
	RTPBadLength  uint64

	RTCPReceived   uint64
	RTCPErrors     uint64
	RTCPBadVersion uint64
	RTCPBadLength  uint64
	RTCPUnexpected uint64

	AvgPktSize float64
}

// Base is the Session Base of spec §4.6: member table, collision
// resolution, RTP/RTCP receive pipelines and outgoing-report
// construction shared by every session variant (spec §4.7).
//
// Grounded on pkg/rtpreceiver/receiver.go's mutex-protected struct with
// a background report ticker, generalized from "one remote source" to
// the full member table in table.go.
type Base struct {
	mu sync.Mutex

	cfg config.SessionConfig
	log zerolog.Logger

	timerSvc *timer.Service
	reportH  *timer.Handle

	table *Table

	localSSRC  uint32
	localCNAME string
	weSent     bool
	selfSender SenderInfo

	sndr rtcpbw.RoleBW
	rcvr rtcpbw.RoleBW
	prng *rtcpbw.JitterPRNG

	nmembers        int64
	nmembersLearned int64
	reportedViews   map[uint32]*MemberReportedView

	stats Stats

	initial bool

	// now is overridable for deterministic tests, mirroring the
	// teacher's rtpreceiver.Receiver.TimeNow hook.
	now func() time.Time

	// sendRTCP transmits one compound RTCP packet; nil disables sending
	// (tests exercising ConstructReport directly don't need a socket).
	sendRTCP func([]byte) error
}

// NewBase constructs a Session Base bound to cfg. It tracks members as
// soon as packets are fed to it; StartReporting arms the report timer.
func NewBase(cfg config.SessionConfig, localSSRC uint32, cname string, log *zerolog.Logger, timerSvc *timer.Service, sendRTCP func([]byte) error) *Base {
	b := &Base{
		cfg:           cfg,
		log:           vqlog.Named(vqlog.OrDisabled(log), "session"),
		timerSvc:      timerSvc,
		table:         NewTable(),
		localSSRC:     localSSRC,
		localCNAME:    cname,
		prng:          rtcpbw.NewJitterPRNG(),
		reportedViews: make(map[uint32]*MemberReportedView),
		initial:       true,
		now:           time.Now,
		sendRTCP:      sendRTCP,
	}
	rtcpbw.ResolveTotRoleBW(&b.sndr, b.rcvr, cfg.Bandwidth.SessionASKbps, cfg.Bandwidth.HaveSessionAS, true)
	rtcpbw.ResolveTotRoleBW(&b.rcvr, b.sndr, cfg.Bandwidth.SessionASKbps, cfg.Bandwidth.HaveSessionAS, false)
	if cfg.Bandwidth.HaveCfgPerMemberBW {
		b.sndr.CfgPerMemberBW = cfg.Bandwidth.CfgPerMemberBW
		b.sndr.HaveCfgPerMemberBW = true
		b.rcvr.CfgPerMemberBW = cfg.Bandwidth.CfgPerMemberBW
		b.rcvr.HaveCfgPerMemberBW = true
	}
	return b
}

// Stats returns a snapshot of the base's packet counters.
func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Table exposes the member table for variant-level iteration (e.g. RSI
// construction over every known member).
func (b *Base) Table() *Table { return b.table }

// LocalSSRC returns the session's own SSRC.
func (b *Base) LocalSSRC() uint32 { return b.localSSRC }

// nowMicros returns the current time in microseconds, for conflict-log
// timestamps and activity tracking.
func (b *Base) nowMicros() int64 { return b.now().UnixMicro() }

// memberFor looks up or creates the Member for ssrc, classifying any
// SSRC/CNAME/role collision against the existing entry first, per spec
// §4.6 "Conflict resolution". remoteAddr is used both for the new
// member's transport address and, on a third-party conflict, as the
// logged offending address. A packet bearing the local SSRC with a
// CNAME other than the local one is a local-sender conflict, returned
// with a nil Member.
func (b *Base) memberFor(ssrc uint32, remoteAddr net.Addr, cname string, isSenderRole bool) (*Member, ConflictKind) {
	if ssrc == b.localSSRC && cname != "" && cname != b.localCNAME {
		return nil, ConflictPartialLocalSender
	}

	existing, ok := b.table.Lookup(ssrc)
	if ok {
		sameCNAME := cname == "" || existing.CNAME == cname
		isLocal := ssrc == b.localSSRC
		roleDiffers := isSenderRole == existing.ReceiverOnly
		kind := ClassifyConflict(true, sameCNAME, isLocal, roleDiffers)
		if kind == ConflictPartialThirdParty {
			b.table.ConflictLogFor(ssrc).Record(remoteAddr.String(), b.nowMicros())
		}
		return existing, kind
	}

	xrEnabled := b.cfg.XR.LossRLEEnabled
	m := NewMember(ssrc, cname, SubtypeClient, b.cfg.MaxSendersCached, xrEnabled, b.cfg.XR.LossRLEMaxSize)
	m.RTPAddr = remoteAddr
	m.RTCPAddr = remoteAddr
	m.ReceiverOnly = !isSenderRole
	b.table.LookupOrCreate(ssrc, func() *Member { return m })
	b.nmembers++
	return m, ConflictNone
}

// ProcessRTP runs one inbound RTP packet through the sequence-space
// tracker of spec §4.2, after validating the wire header. pkt is the
// already-decoded packet (via github.com/pion/rtp, the same library the
// teacher uses); buf is its raw bytes, needed only for the
// length-consistency check ValidateHeader performs. arrivalMedia is the
// local receipt time expressed in the stream's media clock.
func (b *Base) ProcessRTP(buf []byte, pkt *rtp.Packet, remoteAddr net.Addr, arrivalMedia uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.RTPReceived++

	csrcCount := len(pkt.CSRC)
	hasExt := pkt.Extension
	extLenWords := -1
	if hasExt {
		// The extension header (profile, length-in-words) immediately
		// follows the fixed header and any CSRCs; read its length field
		// directly off the wire rather than through pion/rtp's already-
		// decoded Extensions, since ValidateHeader re-derives the same
		// consistency check pion/rtp's own Unmarshal already performed.
		off := 12 + csrcCount*4
		if len(buf) >= off+4 {
			extLenWords = int(buf[off+2])<<8 | int(buf[off+3])
		}
	}
	_, err := rtpsrc.ValidateHeader(buf, pkt.Version, csrcCount, hasExt, extLenWords)
	if err != nil {
		switch err.(type) {
		case liberrors.ErrBadVersion:
			b.stats.RTPBadVersion++
		case liberrors.ErrBadLength:
			b.stats.RTPBadLength++
		default:
			b.stats.RTPRunts++
		}
		return err
	}

	m, conflict := b.memberFor(pkt.SSRC, remoteAddr, "", true)
	if conflict == ConflictPartialLocalSender {
		// Caller (the variant/session owner) must pick a fresh local
		// SSRC and restart; this base only surfaces the classification.
		return nil
	}

	if !m.ReceiverOnly {
		b.table.MarkSender(pkt.SSRC)
	}
	m.LastAnyActivity = b.nowMicros()
	m.LastSenderActivity = m.LastAnyActivity

	seqStatus := m.Seq.UpdateSeq(pkt.SequenceNumber)
	switch seqStatus {
	case rtpsrc.SeqOK, rtpsrc.SeqStart, rtpsrc.SeqRestart:
		m.Seq.UpdateJitter(arrivalMedia, pkt.Timestamp)
	}

	return nil
}
