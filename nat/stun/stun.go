// Package stun implements the STUN NAT-binding protocol of spec section
// 4.9.2: a binding discovers its public mapping by sending a STUN
// Binding Request to a server and reading the XOR-MAPPED-ADDRESS back
// out of the response.
//
// Grounded on original_source/stunclient/vqec_stun_mgr.c end to end: the
// trial/backoff schedule (STUNPROTO_TRIALS_MAX, stunproto_trial_timeouts),
// the open/close/query/eject_rx lifecycle, the permissive "behind NAT
// until proven otherwise" determination, and the not-behind-NAT fan-out
// that retires every still-pending binding's retry machinery in one pass
// once any single binding proves the host is unNATed. Message encoding
// and parsing is delegated to github.com/pion/stun/v2 (the STUN member
// of the same pion/* family this module already depends on for
// RTP/RTCP), in place of the original's in-tree stun/stun.h helpers.
package stun

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	stunmsg "github.com/pion/stun/v2"
	"github.com/rs/zerolog"

	"github.com/wmanley/vqe-receiver/config"
	"github.com/wmanley/vqe-receiver/internal/vqlog"
	"github.com/wmanley/vqe-receiver/liberrors"
	"github.com/wmanley/vqe-receiver/nat"
	"github.com/wmanley/vqe-receiver/timer"
)

// TrialsMax is STUNPROTO_TRIALS_MAX, the RFC3489bis retry ceiling.
const TrialsMax = 9

// trialTimeouts is stunproto_trial_timeouts: index 0 is never reached
// (the retry count is incremented before it is used to index this
// table), carried over unchanged from the original for fidelity.
var trialTimeouts = [...]time.Duration{
	0, 100, 200, 400, 800, 1600, 1600, 1600, 1600, 1600,
}

func trialTimeoutMS(trials int) time.Duration {
	return trialTimeouts[trials] * time.Millisecond
}

// binding is one STUN-mapped 4-tuple, grounded on
// vqec_nat_stunproto_bind_t.
type binding struct {
	id   nat.BindID
	desc nat.BindDesc

	extAddr *net.UDPAddr
	state   nat.BindState

	mapValid     bool
	refreshActive bool
	waitAck      bool

	lastRequestTime  time.Time
	lastResponseTime time.Time

	tid    [stunmsg.TransactionIDSize]byte
	haveTID bool
	trials int

	retryTimer *timer.Handle
}

// Proto is the STUN NAT protocol, implementing nat.Protocol.
type Proto struct {
	mu sync.Mutex

	log      zerolog.Logger
	timerSvc *timer.Service
	client   nat.Client

	initDone     bool
	notBehindNAT bool
	debugEn      bool
	verbose      bool

	cfg      config.NATConfig
	bindings map[nat.BindID]*binding

	refreshTimer *timer.Handle
}

// New constructs an uninitialized STUN protocol instance; Create must be
// called before use. timerSvc drives both the per-binding retry timers
// and the global refresh timer (vqec_nat_timer_create's periodic and
// one-shot kinds).
func New(timerSvc *timer.Service, log *zerolog.Logger) *Proto {
	return &Proto{
		log:      vqlog.Named(vqlog.OrDisabled(log), "nat.stun"),
		timerSvc: timerSvc,
		bindings: make(map[nat.BindID]*binding),
	}
}

// Create instantiates protocol state, grounded on
// vqec_nat_stunproto_create: validates cfg, then arms the periodic
// refresh timer at cfg.RefreshInterval.
func (p *Proto) Create(cfg config.NATConfig, client nat.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initDone {
		return liberrors.ErrInvalidArgument{Reason: "nat/stun: already initialized"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.cfg = cfg
	p.client = client
	p.bindings = make(map[nat.BindID]*binding)

	p.refreshTimer = p.timerSvc.Create(timer.Periodic, cfg.RefreshInterval, p.refreshHandler)
	p.refreshTimer.Start()

	p.initDone = true
	return nil
}

// Destroy releases every open binding and the refresh timer, grounded on
// vqec_nat_stunproto_destroy.
func (p *Proto) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refreshTimer != nil {
		p.refreshTimer.Destroy()
		p.refreshTimer = nil
	}
	for _, b := range p.bindings {
		if b.retryTimer != nil {
			b.retryTimer.Destroy()
		}
	}
	p.bindings = make(map[nat.BindID]*binding)
	p.initDone = false
}

func (p *Proto) findByDesc(desc nat.BindDesc) *binding {
	for _, b := range p.bindings {
		if b.desc.SameBinding(desc) {
			return b
		}
	}
	return nil
}

// Open creates a new binding for desc, grounded on
// vqec_nat_stunproto_open: a 4-tuple already open is rejected, and a
// binding opened while the protocol has already concluded it is not
// behind a NAT (and the caller hasn't set AllowUpdate) is immediately
// marked complete with its external mapping equal to its internal one.
func (p *Proto) Open(desc nat.BindDesc) (nat.BindID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initDone || desc.InternalAddr == nil {
		return nat.NilBindID, liberrors.ErrInvalidArgument{Reason: "nat/stun: bad open arguments"}
	}
	if p.findByDesc(desc) != nil {
		return nat.NilBindID, liberrors.ErrInvalidArgument{Reason: "nat/stun: binding already open"}
	}

	b := &binding{id: uuid.New(), desc: desc}

	if !p.notBehindNAT || desc.AllowUpdate {
		b.retryTimer = p.timerSvc.Create(timer.OneShot, 0, func() { p.retryHandler(b) })
	}

	p.bindings[b.id] = b

	if p.notBehindNAT && !desc.AllowUpdate {
		b.state = nat.StateNotBehindNAT
		b.extAddr = desc.InternalAddr
		b.mapValid = true
	}

	if p.debugEn {
		p.log.Debug().Str("binding", b.id.String()).Msg("opened STUN binding")
	}
	return b.id, nil
}

// Close releases a binding, grounded on vqec_nat_stunproto_close.
func (p *Proto) Close(id nat.BindID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[id]
	if !ok {
		return
	}
	if b.retryTimer != nil {
		b.retryTimer.Destroy()
	}
	delete(p.bindings, id)
}

// Query returns the binding's most recent mapping, grounded on
// vqec_nat_stunproto_query, including the non-standard "reflect the
// internal address until the map is valid" behavior the original
// documents explicitly.
func (p *Proto) Query(id nat.BindID, refresh bool) (nat.BindData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[id]
	if !ok {
		return nat.BindData{}, liberrors.ErrInvalidBinding{ID: id.String()}
	}

	if refresh && (!p.notBehindNAT || b.desc.AllowUpdate) && !b.refreshActive {
		p.sendMsgToServer(b)
	}

	return p.snapshotLocked(b), nil
}

func (p *Proto) snapshotLocked(b *binding) nat.BindData {
	data := nat.BindData{
		ID:       b.id,
		Desc:     b.desc,
		State:    b.state,
		MapValid: b.mapValid,
	}
	if b.mapValid {
		data.ExtAddr = b.extAddr
	} else {
		data.ExtAddr = b.desc.InternalAddr
	}
	return data
}

// sendRequest builds and transmits one STUN Binding Request for b,
// grounded on vqec_nat_stunproto_send_request. The original attaches the
// binding's canonical name as a USERNAME attribute; that is a
// RFC3489-era convention this binding request omits, carrying only
// FINGERPRINT, since the mapped-address result it reads back does not
// depend on it.
func (p *Proto) sendRequest(b *binding) bool {
	msg, err := stunmsg.Build(stunmsg.TransactionID, stunmsg.BindingRequest, stunmsg.Fingerprint)
	if err != nil {
		p.log.Error().Err(err).Msg("unable to build STUN binding request")
		return false
	}

	if !p.client.InjectTX(b.id, b.desc, msg.Raw) {
		p.log.Error().Str("binding", b.id.String()).Msg("unable to inject STUN request")
		return false
	}

	b.lastRequestTime = time.Now()
	b.tid = msg.TransactionID
	b.haveTID = true

	if p.debugEn {
		p.log.Debug().
			Str("binding", b.id.String()).
			Int("len", len(msg.Raw)).
			Msg("sent STUN request")
	}
	return true
}

// sendMsgToServer (re)sends a request and arms the next retry, grounded
// on vqec_nat_stunproto_send_msg_to_server: trials exhausted resets the
// binding to idle rather than erroring out, since a future Query(refresh)
// or refresh-timer pass will simply try again.
func (p *Proto) sendMsgToServer(b *binding) {
	if b.trials >= TrialsMax {
		b.trials = 0
		b.refreshActive = false
		b.waitAck = false
		b.haveTID = false
		if p.debugEn {
			p.log.Debug().Str("binding", b.id.String()).Msg("STUN retrial limit exceeded")
		}
		return
	}

	if p.sendRequest(b) {
		b.waitAck = true
	} else {
		b.haveTID = false
		b.waitAck = false
	}

	b.trials++
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = p.timerSvc.Create(timer.OneShot, trialTimeoutMS(b.trials), func() { p.retryHandler(b) })
		b.retryTimer.Start()
		b.refreshActive = true
	}
}

func (p *Proto) refreshHandler() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.notBehindNAT {
		return
	}
	for _, b := range p.bindings {
		if !b.refreshActive {
			p.sendMsgToServer(b)
		}
	}
}

func (p *Proto) retryHandler(b *binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.bindings[b.id]; !ok {
		return
	}
	p.sendMsgToServer(b)
}

// notBehindNATTransition marks the protocol, and every binding still
// incomplete, as definitively not NATed, grounded on
// vqec_nat_stunproto_not_behind_nat.
func (p *Proto) notBehindNATTransition() {
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
	}
	p.notBehindNAT = true

	for _, b := range p.bindings {
		if b.mapValid || b.desc.AllowUpdate {
			continue
		}
		b.trials = 0
		b.refreshActive = false
		b.waitAck = false
		b.mapValid = true
		b.extAddr = b.desc.InternalAddr
		b.haveTID = false
		b.state = nat.StateNotBehindNAT
		if b.retryTimer != nil {
			b.retryTimer.Stop()
		}
		p.bindUpdate(b)
	}
}

func (p *Proto) bindUpdate(b *binding) {
	data := p.snapshotLocked(b)
	if p.client != nil {
		p.client.BindUpdate(b.id, data)
	}
}

// EjectRX delivers an inbound datagram to the protocol, grounded on
// vqec_nat_stunproto_eject / vqec_nat_stunproto_process_stun_msg: a
// Binding Request from the far end (an ICE connectivity check) draws an
// immediate response; a Binding Success Response matching the
// outstanding transaction completes the binding.
func (p *Proto) EjectRX(id nat.BindID, buf []byte, source *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[id]
	if !ok || len(buf) == 0 {
		return
	}
	p.processMessage(b, buf, source)
}

func (p *Proto) processMessage(b *binding, buf []byte, source *net.UDPAddr) {
	msg := &stunmsg.Message{Raw: append([]byte(nil), buf...)}
	if err := msg.Decode(); err != nil {
		if p.debugEn {
			p.log.Debug().Err(err).Str("binding", b.id.String()).Msg("STUN response parse failed")
		}
		return
	}

	if msg.Type == stunmsg.BindingRequest {
		p.sendStunResponse(b, msg, source)
		return
	}

	if !b.refreshActive || !b.waitAck {
		if p.debugEn {
			p.log.Debug().Str("binding", b.id.String()).Msg("stale or spurious STUN response")
		}
		return
	}
	b.waitAck = false

	if !b.haveTID || !bytes.Equal(b.tid[:], msg.TransactionID[:]) {
		if p.debugEn {
			p.log.Debug().Str("binding", b.id.String()).Msg("STUN transaction id mismatch")
		}
		return
	}

	b.lastResponseTime = time.Now()
	b.haveTID = false

	var xorAddr stunmsg.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err != nil {
		if p.debugEn {
			p.log.Debug().Err(err).Str("binding", b.id.String()).Msg("STUN mapped address parse failed")
		}
		return
	}
	extAddr := &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}

	b.trials = 0
	b.refreshActive = false
	b.mapValid = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
	}

	if !udpAddrEqual(b.extAddr, extAddr) {
		b.extAddr = extAddr
		if udpAddrEqual(b.extAddr, b.desc.InternalAddr) {
			b.state = nat.StateNotBehindNAT
			p.bindUpdate(b)
			p.notBehindNATTransition()
		} else {
			b.state = nat.StateBehindNAT
			p.bindUpdate(b)
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// sendStunResponse answers an inbound Binding Request (an ICE
// connectivity check) with the source address reflected back as
// XOR-MAPPED-ADDRESS, grounded on
// vqec_nat_stunproto_send_stun_response.
func (p *Proto) sendStunResponse(b *binding, req *stunmsg.Message, source *net.UDPAddr) {
	resp := &stunmsg.Message{}
	resp.TransactionID = req.TransactionID
	resp.Type = stunmsg.BindingSuccess
	resp.WriteHeader()

	xorAddr := stunmsg.XORMappedAddress{IP: source.IP, Port: source.Port}
	if err := xorAddr.AddTo(resp); err != nil {
		p.log.Error().Err(err).Msg("unable to build STUN binding response")
		return
	}
	if err := stunmsg.Fingerprint.AddTo(resp); err != nil {
		p.log.Error().Err(err).Msg("unable to fingerprint STUN binding response")
		return
	}

	if !p.client.InjectTX(b.id, b.desc, resp.Raw) {
		p.log.Error().Str("binding", b.id.String()).Msg("unable to inject STUN response")
	}
}

// Fprint writes one binding's status, grounded on
// vqec_nat_stunproto_fprint.
func (p *Proto) Fprint(w io.Writer, id nat.BindID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bindings[id]
	if !ok {
		return
	}
	p.fprintLocked(w, b)
}

func (p *Proto) fprintLocked(w io.Writer, b *binding) {
	fmt.Fprintf(w, " Binding name:              %s\n", b.desc.Name)
	fmt.Fprintf(w, " NAT protocol:              STUN\n")
	fmt.Fprintf(w, " NAT status:                %s\n", b.state)
	fmt.Fprintf(w, " Internal address:          %v\n", b.desc.InternalAddr)
	fmt.Fprintf(w, " Public address:            %v\n", b.extAddr)
	fmt.Fprintf(w, " Last request time:         %s\n", b.lastRequestTime)
	fmt.Fprintf(w, " Last response time:        %s\n", b.lastResponseTime)
}

// FprintAll writes every binding's status, grounded on
// vqec_nat_stunproto_fprint_all.
func (p *Proto) FprintAll(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(w, "NAT protocol:               STUN\n")
	fmt.Fprintf(w, "NAT bindings open:          %d\n", len(p.bindings))
	for id, b := range p.bindings {
		fmt.Fprintf(w, "NAT id:                     %s\n", id)
		p.fprintLocked(w, b)
	}
}

// DebugSet/DebugClr toggle verbose logging, grounded on
// vqec_nat_stunproto_debug_set/_clr.
func (p *Proto) DebugSet(verbose bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debugEn = true
	p.verbose = verbose
}

func (p *Proto) DebugClr() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debugEn = false
}

// IsBehindNAT is permissive, grounded on vqec_nat_stunproto_is_behind_nat:
// it reports true until the protocol has conclusively proven otherwise.
func (p *Proto) IsBehindNAT() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.notBehindNAT
}
