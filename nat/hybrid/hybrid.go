// Package hybrid implements the STUN/UPnP hybrid NAT arbiter of spec
// section 4.9.4: every binding is opened against both sub-protocols at
// once, and an authoritative-protocol table picks whichever one has
// actually produced a usable external mapping, preferring UPnP once
// both agree (a UPnP port mapping is exact; a STUN-learned mapping
// model-assumes the NAT preserves the internal port, which symmetric
// NATs violate).
//
// Grounded on original_source/stunclient/vqec_hybrid_nat_mgr.{c,h} end
// to end: the "open both, abort if either fails" Open, the
// stun_ext_addr/upnp_ext_addr arbitration table in
// vqec_nat_hybrid_bind_update, the binding-counter bookkeeping on a
// protocol switch, eject routing exclusively to STUN, and
// is_behind_nat delegating exclusively to STUN (UPnP's own
// is_behind_nat is unconditionally permissive and carries no signal).
package hybrid

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wmanley/vqe-receiver/config"
	"github.com/wmanley/vqe-receiver/internal/vqlog"
	"github.com/wmanley/vqe-receiver/liberrors"
	"github.com/wmanley/vqe-receiver/nat"
)

// binding is one hybrid-arbitrated port, grounded on
// vqec_nat_hybrid_bind_t.
type binding struct {
	id             nat.BindID
	stunID, upnpID nat.BindID
	stunOpen       bool
	upnpOpen       bool
	desc           nat.BindDesc
	proto          nat.Proto
	stunExtAddr    *net.UDPAddr
	upnpExtAddr    *net.UDPAddr
}

// Proto is the hybrid NAT arbiter, implementing nat.Protocol by
// standing in front of a STUN and a UPnP nat.Protocol.
type Proto struct {
	mu sync.Mutex

	log zerolog.Logger

	stun nat.Protocol
	upnp nat.Protocol

	client nat.Client

	initDone              bool
	maxBindings           int
	bindings              map[nat.BindID]*binding
	byStunID              map[nat.BindID]*binding
	byUPnPID              map[nat.BindID]*binding
	stunBindings          int
	upnpBindings          int
}

// New constructs an uninitialized hybrid arbiter over the given STUN
// and UPnP protocol implementations; Create must be called before use.
// stun and upnp are typically *stun.Proto and *upnp.Proto, but the
// arbiter only depends on nat.Protocol so it can be exercised against
// fakes in tests.
func New(stunProto, upnpProto nat.Protocol, log *zerolog.Logger) *Proto {
	return &Proto{
		log:      vqlog.Named(vqlog.OrDisabled(log), "nat.hybrid"),
		stun:     stunProto,
		upnp:     upnpProto,
		bindings: make(map[nat.BindID]*binding),
		byStunID: make(map[nat.BindID]*binding),
		byUPnPID: make(map[nat.BindID]*binding),
	}
}

// stunClientAdapter tags a BindUpdate/InjectTX callback as
// originating from the STUN sub-protocol, the Go equivalent of the
// explicit vqec_nat_proto_t proto parameter vqec_nat_hybrid_bind_update
// and vqec_nat_hybrid_inject_tx take in C.
type stunClientAdapter struct{ h *Proto }

func (a stunClientAdapter) InjectTX(id nat.BindID, desc nat.BindDesc, buf []byte) bool {
	return a.h.injectTX(nat.ProtoSTUN, id, desc, buf)
}

func (a stunClientAdapter) BindUpdate(id nat.BindID, data nat.BindData) {
	a.h.bindUpdate(nat.ProtoSTUN, id, data)
}

type upnpClientAdapter struct{ h *Proto }

func (a upnpClientAdapter) InjectTX(id nat.BindID, desc nat.BindDesc, buf []byte) bool {
	return a.h.injectTX(nat.ProtoUPnP, id, desc, buf)
}

func (a upnpClientAdapter) BindUpdate(id nat.BindID, data nat.BindData) {
	a.h.bindUpdate(nat.ProtoUPnP, id, data)
}

// Create instantiates both sub-protocols, grounded on
// vqec_nat_hybrid_create: failure of either aborts the whole arbiter.
func (p *Proto) Create(cfg config.NATConfig, client nat.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initDone {
		return liberrors.ErrInvalidArgument{Reason: "nat/hybrid: already initialized"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.client = client
	p.maxBindings = cfg.MaxBindings
	p.bindings = make(map[nat.BindID]*binding)
	p.byStunID = make(map[nat.BindID]*binding)
	p.byUPnPID = make(map[nat.BindID]*binding)

	if err := p.stun.Create(cfg, stunClientAdapter{p}); err != nil {
		return fmt.Errorf("nat/hybrid: STUN init failed: %w", err)
	}
	if err := p.upnp.Create(cfg, upnpClientAdapter{p}); err != nil {
		p.stun.Destroy()
		return fmt.Errorf("nat/hybrid: UPnP init failed: %w", err)
	}

	p.initDone = true
	return nil
}

// Destroy releases every hybrid binding and both sub-protocols,
// grounded on vqec_nat_hybrid_destroy.
func (p *Proto) Destroy() {
	p.mu.Lock()
	for id := range p.bindings {
		p.closeLocked(id)
	}
	p.stun.Destroy()
	p.upnp.Destroy()
	p.initDone = false
	p.mu.Unlock()
}

func (p *Proto) findByDescLocked(desc nat.BindDesc) *binding {
	for _, b := range p.bindings {
		if b.desc.SameBinding(desc) {
			return b
		}
	}
	return nil
}

// Open opens desc against both sub-protocols, grounded on
// vqec_nat_hybrid_open: either sub-protocol failing aborts the whole
// binding and releases the other. The binding starts out authoritated
// by STUN; bindUpdate moves it once a mapping is known.
func (p *Proto) Open(desc nat.BindDesc) (nat.BindID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initDone || desc.InternalAddr == nil {
		return nat.NilBindID, liberrors.ErrInvalidArgument{Reason: "nat/hybrid: bad open arguments"}
	}
	if p.stunBindings+p.upnpBindings >= p.maxBindings {
		return nat.NilBindID, liberrors.ErrPoolExhausted{Pool: "nat/hybrid bindings"}
	}
	if p.findByDescLocked(desc) != nil {
		return nat.NilBindID, liberrors.ErrInvalidArgument{Reason: "nat/hybrid: binding already open"}
	}

	stunID, err := p.stun.Open(desc)
	if err != nil {
		return nat.NilBindID, fmt.Errorf("nat/hybrid: STUN open failed: %w", err)
	}
	upnpID, err := p.upnp.Open(desc)
	if err != nil {
		p.stun.Close(stunID)
		return nat.NilBindID, fmt.Errorf("nat/hybrid: UPnP open failed: %w", err)
	}

	b := &binding{
		id:       uuid.New(),
		stunID:   stunID,
		upnpID:   upnpID,
		stunOpen: true,
		upnpOpen: true,
		desc:     desc,
		proto:    nat.ProtoSTUN,
	}
	p.bindings[b.id] = b
	p.byStunID[stunID] = b
	p.byUPnPID[upnpID] = b
	p.stunBindings++

	return b.id, nil
}

// Close releases a binding and both of its sub-protocol bindings,
// grounded on vqec_nat_hybrid_close.
func (p *Proto) Close(id nat.BindID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(id)
}

func (p *Proto) closeLocked(id nat.BindID) {
	b, ok := p.bindings[id]
	if !ok {
		return
	}
	delete(p.bindings, id)
	if b.stunOpen {
		p.stun.Close(b.stunID)
		delete(p.byStunID, b.stunID)
	}
	if b.upnpOpen {
		p.upnp.Close(b.upnpID)
		delete(p.byUPnPID, b.upnpID)
	}
	switch b.proto {
	case nat.ProtoSTUN:
		p.stunBindings--
	case nat.ProtoUPnP:
		p.upnpBindings--
	}
}

// Query delegates to whichever sub-protocol is currently authoritative
// for id, grounded on vqec_nat_hybrid_query.
func (p *Proto) Query(id nat.BindID, refresh bool) (nat.BindData, error) {
	p.mu.Lock()
	b, ok := p.bindings[id]
	if !ok {
		p.mu.Unlock()
		return nat.BindData{}, liberrors.ErrInvalidBinding{ID: id.String()}
	}
	proto, subID := b.proto, p.subIDLocked(b)
	p.mu.Unlock()

	var data nat.BindData
	var err error
	switch proto {
	case nat.ProtoUPnP:
		data, err = p.upnp.Query(subID, refresh)
	default:
		data, err = p.stun.Query(subID, refresh)
	}
	if err != nil {
		return nat.BindData{}, err
	}
	data.ID = id
	return data, nil
}

func (p *Proto) subIDLocked(b *binding) nat.BindID {
	if b.proto == nat.ProtoUPnP {
		return b.upnpID
	}
	return b.stunID
}

// EjectRX routes the inbound datagram to STUN only, grounded on
// vqec_nat_hybrid_eject: UPnP mappings are never fed packets read off
// the RTP/RTCP socket.
func (p *Proto) EjectRX(id nat.BindID, buf []byte, source *net.UDPAddr) {
	p.mu.Lock()
	b, ok := p.bindings[id]
	if !ok || !b.stunOpen {
		p.mu.Unlock()
		return
	}
	stunID := b.stunID
	p.mu.Unlock()
	p.stun.EjectRX(stunID, buf, source)
}

func (p *Proto) injectTX(proto nat.Proto, subID nat.BindID, desc nat.BindDesc, buf []byte) bool {
	p.mu.Lock()
	b := p.findBySubIDLocked(proto, subID)
	client := p.client
	var hybridID nat.BindID
	if b != nil {
		hybridID = b.id
	}
	p.mu.Unlock()

	if b == nil || client == nil {
		return false
	}
	return client.InjectTX(hybridID, desc, buf)
}

func (p *Proto) findBySubIDLocked(proto nat.Proto, subID nat.BindID) *binding {
	if proto == nat.ProtoUPnP {
		return p.byUPnPID[subID]
	}
	return p.byStunID[subID]
}

// bindUpdate implements the authoritative-protocol arbitration table,
// grounded verbatim on vqec_nat_hybrid_bind_update's documented rule
// set:
//
//	both ext addrs unknown            -> STUN
//	STUN unknown, UPnP known          -> UPnP
//	UPnP unknown, STUN known          -> STUN
//	both known, addrs equal           -> UPnP
//	both known, addrs differ          -> STUN
//
// Once both addrs are known the now-superseded sub-protocol's binding
// is closed; the update only reaches the hybrid's external client when
// the calling sub-protocol still matches the binding's authoritative
// protocol, exactly as the original's "proto == p_bind->proto" guard
// does.
func (p *Proto) bindUpdate(proto nat.Proto, subID nat.BindID, data nat.BindData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.findBySubIDLocked(proto, subID)
	if b == nil {
		return
	}

	var extAddr *net.UDPAddr
	if data.MapValid {
		extAddr = data.ExtAddr
	}
	switch proto {
	case nat.ProtoSTUN:
		b.stunExtAddr = extAddr
	case nat.ProtoUPnP:
		b.upnpExtAddr = extAddr
	}

	stunKnown := b.stunExtAddr != nil
	upnpKnown := b.upnpExtAddr != nil

	var newProto nat.Proto
	switch {
	case !stunKnown && !upnpKnown:
		newProto = nat.ProtoSTUN
	case !stunKnown:
		newProto = nat.ProtoUPnP
	case !upnpKnown:
		newProto = nat.ProtoSTUN
	case b.stunExtAddr.IP.Equal(b.upnpExtAddr.IP):
		newProto = nat.ProtoUPnP
	default:
		newProto = nat.ProtoSTUN
	}

	if stunKnown && upnpKnown {
		switch newProto {
		case nat.ProtoUPnP:
			if b.stunOpen {
				p.stun.Close(b.stunID)
				delete(p.byStunID, b.stunID)
				b.stunOpen = false
			}
		case nat.ProtoSTUN:
			if b.upnpOpen {
				p.upnp.Close(b.upnpID)
				delete(p.byUPnPID, b.upnpID)
				b.upnpOpen = false
			}
		}
	}

	if b.proto != newProto {
		switch newProto {
		case nat.ProtoSTUN:
			p.upnpBindings--
			p.stunBindings++
		case nat.ProtoUPnP:
			p.stunBindings--
			p.upnpBindings++
		}
	}
	b.proto = newProto

	if proto != b.proto || p.client == nil {
		return
	}
	out := data
	out.ID = b.id
	p.client.BindUpdate(b.id, out)
}

// Fprint writes a binding's STUN and UPnP mapping status followed by
// the authoritative sub-protocol's own diagnostic dump, grounded on
// vqec_nat_hybrid_fprint.
func (p *Proto) Fprint(w io.Writer, id nat.BindID) {
	p.mu.Lock()
	b, ok := p.bindings[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	stunOpen, upnpOpen := b.stunOpen, b.upnpOpen
	stunAddr, upnpAddr := b.stunExtAddr, b.upnpExtAddr
	proto, stunID, upnpID := b.proto, b.stunID, b.upnpID
	p.mu.Unlock()

	if stunOpen {
		fmt.Fprintf(w, " STUN status:               %v\n", addrOrUnknown(stunAddr))
	} else {
		fmt.Fprintf(w, " STUN status:               closed\n")
	}
	if upnpOpen {
		fmt.Fprintf(w, " UPnP status:               %v\n", addrOrUnknown(upnpAddr))
	} else {
		fmt.Fprintf(w, " UPnP status:               closed\n")
	}

	switch proto {
	case nat.ProtoUPnP:
		p.upnp.Fprint(w, upnpID)
	default:
		p.stun.Fprint(w, stunID)
	}
}

func addrOrUnknown(a *net.UDPAddr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}

// FprintAll writes every hybrid binding's status, grounded on
// vqec_nat_hybrid_fprint_all.
func (p *Proto) FprintAll(w io.Writer) {
	p.mu.Lock()
	ids := make([]nat.BindID, 0, len(p.bindings))
	for id := range p.bindings {
		ids = append(ids, id)
	}
	total := p.stunBindings + p.upnpBindings
	p.mu.Unlock()

	fmt.Fprintf(w, "NAT protocol:               STUN/UPnP Hybrid\n")
	fmt.Fprintf(w, "NAT bindings open:          %d\n", total)
	for _, id := range ids {
		fmt.Fprintf(w, "NAT id:                     %s\n", id)
		p.Fprint(w, id)
	}
}

// DebugSet/DebugClr toggle verbose logging on both sub-protocols,
// grounded on vqec_nat_hybrid_debug_set/_clr.
func (p *Proto) DebugSet(verbose bool) {
	p.stun.DebugSet(verbose)
	p.upnp.DebugSet(verbose)
}

func (p *Proto) DebugClr() {
	p.stun.DebugClr()
	p.upnp.DebugClr()
}

// IsBehindNAT delegates exclusively to STUN, grounded on
// vqec_nat_hybrid_is_behind_nat: UPnP's own determination is
// unconditionally permissive and carries no signal.
func (p *Proto) IsBehindNAT() bool {
	return p.stun.IsBehindNAT()
}
