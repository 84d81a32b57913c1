// Package upnp implements the UPnP-IGD NAT-binding protocol of spec
// section 4.9.3: a binding is mapped by asking the LAN's Internet
// Gateway Device to add a port forward, rather than by asking a remote
// STUN server to reflect a source address back.
//
// Grounded on original_source/stunclient/vqec_upnp_mgr.c end to end: the
// discovery-timeout/lease-multiplier/silence-and-refresh-wait-count
// constants, the cookie orphan-list lifecycle guarding in-flight SOAP
// callbacks against a binding closing underneath them, and the
// external-port draw uniformly over [16383, 65535]. SSDP discovery and
// the AddPortMapping/DeletePortMapping/GetExternalIPAddress SOAP actions
// are delegated to github.com/tailscale/goupnp's generated
// internetgateway2 client, in place of the original's libupnp control
// point.
package upnp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tailscale/goupnp/dcps/internetgateway2"

	"github.com/wmanley/vqe-receiver/config"
	"github.com/wmanley/vqe-receiver/internal/entropy"
	"github.com/wmanley/vqe-receiver/internal/vqlog"
	"github.com/wmanley/vqe-receiver/liberrors"
	"github.com/wmanley/vqe-receiver/nat"
	"github.com/wmanley/vqe-receiver/timer"
)

// portDrawRandomType seeds the external-port PRNG distinctly from SSRC
// generation and jitter randomization, the rtcpbw.JitterPRNG pattern
// applied to a third, independent draw.
const portDrawRandomType = 3

const (
	// DiscoveryTimeout is DISCOVERY_TIMEOUT: how long Create blocks
	// waiting for an IGD to answer SSDP discovery before proceeding
	// without one.
	DiscoveryTimeout = 5 * time.Second
	// LeaseMultiplier is LEASE_MULTIPLIER: port mappings are leased for
	// this many refresh intervals, so a single missed refresh doesn't
	// immediately drop the mapping.
	LeaseMultiplier = 5
	// RefreshWaitCntMax is REFRESH_WAIT_CNT_MAX: refresh cycles an
	// AddPortMapping call is allowed to stay outstanding before it is
	// abandoned and retried fresh.
	RefreshWaitCntMax = 2
	// SilenceCntMax is SILENCE_CNT_MAX: consecutive failed IGD calls
	// after which the gateway is marked not ready and no further mapping
	// or refresh requests are sent; open bindings keep their last mapping.
	SilenceCntMax = 4

	portDrawMin = 16383
	portDrawMax = 65535
)

// binding is one UPnP-mapped port, grounded on vqec_nat_upnp_bind_t.
type binding struct {
	id   nat.BindID
	desc nat.BindDesc

	extPort  int
	extAddr  *net.UDPAddr
	state    nat.BindState
	mapValid bool

	awaitingAck    bool
	refreshWaitCnt int
	cookie         *cookie
}

// Proto is the UPnP-IGD NAT protocol, implementing nat.Protocol.
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
	cookies  *cookiePool
	rngState uint32

	igd        *internetgateway2.WANIPConnection1
	igdReady   bool
	silenceCnt int
	extIP      net.IP

	refreshTimer *timer.Handle
}

// New constructs an uninitialized UPnP protocol instance; Create must be
// called before use.
func New(timerSvc *timer.Service, log *zerolog.Logger) *Proto {
	return &Proto{
		log:      vqlog.Named(vqlog.OrDisabled(log), "nat.upnp"),
		timerSvc: timerSvc,
		bindings: make(map[nat.BindID]*binding),
	}
}

// Create instantiates protocol state, sizes the cookie pool, seeds the
// port-draw PRNG, arms the periodic refresh timer, and then blocks up to
// DiscoveryTimeout attempting SSDP discovery of an IGD, grounded on
// vqec_nat_upnp_create's semaphore-bounded discovery wait.
func (p *Proto) Create(cfg config.NATConfig, client nat.Client) error {
	p.mu.Lock()
	if p.initDone {
		p.mu.Unlock()
		return liberrors.ErrInvalidArgument{Reason: "nat/upnp: already initialized"}
	}
	if err := cfg.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}

	p.cfg = cfg
	p.client = client
	p.bindings = make(map[nat.BindID]*binding)
	p.cookies = newCookiePool(cfg.CookiePoolSize())
	p.rngState = entropy.Random32(portDrawRandomType)

	p.refreshTimer = p.timerSvc.Create(timer.Periodic, cfg.RefreshInterval, p.refreshHandler)
	p.refreshTimer.Start()
	p.initDone = true
	p.mu.Unlock()

	p.discoverIGD()
	return nil
}

func (p *Proto) discoverIGD() {
	type result struct {
		clients []*internetgateway2.WANIPConnection1
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		clients, _, err := internetgateway2.NewWANIPConnection1Clients()
		ch <- result{clients: clients, err: err}
	}()

	select {
	case r := <-ch:
		p.mu.Lock()
		if r.err == nil && len(r.clients) > 0 {
			p.igd = r.clients[0]
			p.igdReady = true
		}
		p.mu.Unlock()
		if p.debugEn && !p.igdReady {
			p.log.Debug().Err(r.err).Msg("no UPnP IGD found")
		}
	case <-time.After(DiscoveryTimeout):
		if p.debugEn {
			p.log.Debug().Msg("UPnP IGD discovery timed out")
		}
	}
}

// Destroy releases every open binding's port mapping and the refresh
// timer, grounded on vqec_nat_upnp_destroy.
func (p *Proto) Destroy() {
	p.mu.Lock()
	if p.refreshTimer != nil {
		p.refreshTimer.Destroy()
		p.refreshTimer = nil
	}
	igd, igdReady := p.igd, p.igdReady
	var ports []int
	for _, b := range p.bindings {
		if b.mapValid {
			ports = append(ports, b.extPort)
		}
	}
	p.bindings = make(map[nat.BindID]*binding)
	p.initDone = false
	p.mu.Unlock()

	if !igdReady {
		return
	}
	for _, port := range ports {
		port := port
		go func() { _ = igd.DeletePortMapping("", uint16(port), "UDP") }()
	}
}

func (p *Proto) findByDescLocked(desc nat.BindDesc) *binding {
	for _, b := range p.bindings {
		if b.desc.SameBinding(desc) {
			return b
		}
	}
	return nil
}

// Open creates a new binding for desc, grounded on vqec_nat_upnp_open:
// a 4-tuple already open is rejected, and a binding opened once the
// protocol has already concluded it is not behind a NAT is immediately
// marked complete against its own internal address.
func (p *Proto) Open(desc nat.BindDesc) (nat.BindID, error) {
	p.mu.Lock()
	if !p.initDone || desc.InternalAddr == nil {
		p.mu.Unlock()
		return nat.NilBindID, liberrors.ErrInvalidArgument{Reason: "nat/upnp: bad open arguments"}
	}
	if p.findByDescLocked(desc) != nil {
		p.mu.Unlock()
		return nat.NilBindID, liberrors.ErrInvalidArgument{Reason: "nat/upnp: binding already open"}
	}

	b := &binding{id: uuid.New(), desc: desc}
	if p.notBehindNAT && !desc.AllowUpdate {
		b.state = nat.StateNotBehindNAT
		b.extAddr = desc.InternalAddr
		b.mapValid = true
		p.bindings[b.id] = b
		p.mu.Unlock()
		return b.id, nil
	}
	p.bindings[b.id] = b
	if p.debugEn {
		p.log.Debug().Str("binding", b.id.String()).Msg("opened UPnP binding")
	}
	p.mu.Unlock()

	p.requestMapping(b)
	return b.id, nil
}

// Close releases a binding and, if it ever acquired a port mapping,
// deletes it from the IGD asynchronously, grounded on
// vqec_nat_upnp_close.
func (p *Proto) Close(id nat.BindID) {
	p.mu.Lock()
	b, ok := p.bindings[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.bindings, id)
	if b.cookie != nil {
		p.cookies.release(b.cookie)
	}
	igd, igdReady, extPort, mapValid := p.igd, p.igdReady, b.extPort, b.mapValid
	p.mu.Unlock()

	if igdReady && mapValid {
		go func() { _ = igd.DeletePortMapping("", uint16(extPort), "UDP") }()
	}
}

// Query returns the binding's most recent mapping, grounded on
// vqec_nat_upnp_query.
func (p *Proto) Query(id nat.BindID, refresh bool) (nat.BindData, error) {
	p.mu.Lock()
	b, ok := p.bindings[id]
	if !ok {
		p.mu.Unlock()
		return nat.BindData{}, liberrors.ErrInvalidBinding{ID: id.String()}
	}
	data := p.snapshotLocked(b)
	needRefresh := refresh && (!p.notBehindNAT || b.desc.AllowUpdate) && !b.awaitingAck
	p.mu.Unlock()

	if needRefresh {
		p.requestMapping(b)
	}
	return data, nil
}

func (p *Proto) snapshotLocked(b *binding) nat.BindData {
	data := nat.BindData{ID: b.id, Desc: b.desc, State: b.state, MapValid: b.mapValid}
	if b.mapValid {
		data.ExtAddr = b.extAddr
	} else {
		data.ExtAddr = b.desc.InternalAddr
	}
	return data
}

// requestMapping issues an asynchronous AddPortMapping call for b,
// guarded by a cookie so the call's completion handler can tell whether
// b is still open by the time the SOAP round trip finishes. Grounded on
// vqec_nat_upnp_send_add_port_mapping.
func (p *Proto) requestMapping(b *binding) {
	p.mu.Lock()
	if !p.igdReady || b.awaitingAck {
		p.mu.Unlock()
		return
	}
	c, err := p.cookies.acquire(b.id)
	if err != nil {
		p.mu.Unlock()
		p.log.Error().Err(err).Msg("UPnP cookie pool exhausted")
		return
	}
	b.cookie = c
	b.awaitingAck = true
	p.cookies.hold(c)

	igd := p.igd
	desc := b.desc
	extPort := p.drawExternalPortLocked()
	lease := uint32(p.cfg.RefreshInterval/time.Second) * LeaseMultiplier
	p.mu.Unlock()

	go func() {
		defer p.cookies.unhold(c)
		err := igd.AddPortMapping("", uint16(extPort), "UDP", uint16(desc.InternalAddr.Port),
			desc.InternalAddr.IP.String(), true, desc.Name, lease)
		p.handleMappingResult(c, extPort, err)
	}()
}

// drawExternalPortLocked draws the requested external port uniformly
// over [16383, 65535], grounded on vqec_nat_upnp_get_random_port's
// rand()/RAND_MAX draw; mu must already be held by the caller.
func (p *Proto) drawExternalPortLocked() int {
	p.rngState = p.rngState*1103515245 + 12345
	frac := float64((p.rngState>>16)&0x7fff) / float64(0x8000)
	return portDrawMin + int(frac*float64(portDrawMax-portDrawMin+1))
}

func (p *Proto) handleMappingResult(c *cookie, extPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.destroyed {
		return
	}
	b, ok := p.bindings[c.bindID]
	if !ok {
		return
	}
	b.awaitingAck = false

	if err != nil {
		p.silenceCnt++
		if p.silenceCnt >= SilenceCntMax {
			p.igdReady = false
		}
		if p.debugEn {
			p.log.Debug().Err(err).Str("binding", b.id.String()).Msg("UPnP AddPortMapping failed")
		}
		return
	}
	p.silenceCnt = 0
	b.refreshWaitCnt = 0
	b.extPort = extPort

	if p.extIP == nil {
		return
	}
	ext := &net.UDPAddr{IP: p.extIP, Port: extPort}
	changed := !udpAddrEqual(b.extAddr, ext)
	b.extAddr = ext
	b.mapValid = true
	if udpAddrEqual(ext, b.desc.InternalAddr) {
		b.state = nat.StateNotBehindNAT
	} else {
		b.state = nat.StateBehindNAT
	}
	if changed {
		p.bindUpdateLocked(b)
	}
}

// refreshHandler re-requests mappings that have gone unanswered for
// longer than RefreshWaitCntMax cycles and refreshes the cached external
// IP address, grounded on vqec_nat_upnp_refresh_evt_handler.
func (p *Proto) refreshHandler() {
	p.mu.Lock()
	if !p.igdReady || p.notBehindNAT {
		p.mu.Unlock()
		return
	}
	igd := p.igd
	pending := make([]*binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		if b.awaitingAck {
			b.refreshWaitCnt++
			if b.refreshWaitCnt < RefreshWaitCntMax {
				continue
			}
			b.awaitingAck = false
			b.refreshWaitCnt = 0
		}
		pending = append(pending, b)
	}
	p.mu.Unlock()

	go p.refreshExternalIP(igd)
	for _, b := range pending {
		p.requestMapping(b)
	}
}

func (p *Proto) refreshExternalIP(igd *internetgateway2.WANIPConnection1) {
	ip, err := igd.GetExternalIPAddress()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.silenceCnt++
		if p.silenceCnt >= SilenceCntMax {
			p.igdReady = false
		}
		return
	}
	p.silenceCnt = 0
	if parsed := net.ParseIP(ip); parsed != nil {
		p.extIP = parsed
	}
}

func (p *Proto) bindUpdateLocked(b *binding) {
	if p.client == nil {
		return
	}
	p.client.BindUpdate(b.id, p.snapshotLocked(b))
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// EjectRX is a no-op: UPnP mappings are negotiated over SOAP/HTTP, not
// on the RTP/RTCP socket a session would eject an inbound datagram from,
// grounded on vqec_nat_upnp_eject_rx's empty body.
func (p *Proto) EjectRX(nat.BindID, []byte, *net.UDPAddr) {}

// Fprint writes one binding's status, grounded on
// vqec_nat_upnp_fprint.
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
	fmt.Fprintf(w, " NAT protocol:              UPnP\n")
	fmt.Fprintf(w, " NAT status:                %s\n", b.state)
	fmt.Fprintf(w, " Internal address:          %v\n", b.desc.InternalAddr)
	fmt.Fprintf(w, " Public address:            %v\n", b.extAddr)
	fmt.Fprintf(w, " IGD reachable:             %v\n", b.awaitingAck == false && b.mapValid)
}

// FprintAll writes every binding's status, grounded on
// vqec_nat_upnp_fprint_all.
func (p *Proto) FprintAll(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(w, "NAT protocol:               UPnP\n")
	fmt.Fprintf(w, "IGD discovered:             %v\n", p.igdReady)
	fmt.Fprintf(w, "NAT bindings open:          %d\n", len(p.bindings))
	for id, b := range p.bindings {
		fmt.Fprintf(w, "NAT id:                     %s\n", id)
		p.fprintLocked(w, b)
	}
}

// DebugSet/DebugClr toggle verbose logging, grounded on
// vqec_nat_upnp_debug_set/_clr.
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

// IsBehindNAT is permissive: it reports true unless notBehindNAT is set,
// and nothing in this protocol sets it, so it always reports true.
// Grounded on vqec_nat_upnp_is_behind_nat.
func (p *Proto) IsBehindNAT() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.notBehindNAT
}
