// Package nat implements the protocol-independent NAT binding
// abstraction of spec section 4.9: a single Protocol interface that
// STUN, UPnP, and the hybrid arbiter sitting above them all satisfy, so
// that the channel/session layer using a NAT binding never needs to know
// which underlying traversal method produced it.
//
// Grounded on original_source/stunclient/vqec_nat_api.h's
// vqec_nat_proto_if_t: the same create/destroy/open/close/query/eject_rx/
// fprint/fprint_all/debug_set/debug_clr/is_behind_nat method set, and the
// reciprocal client-provided callbacks (vqec_nat_inject_tx,
// vqec_nat_bind_update). The C interface passes raw function pointers for
// both directions, including a caller-supplied event-timer facade
// (vqec_nat_timer_create/_start/_stop/_destroy); here the timer facade is
// simply package timer's existing Service/Handle, and the two client
// callbacks become a one-method-pair Client interface implemented by
// whatever owns the binding (the session layer, or — for STUN/UPnP
// specifically — the hybrid arbiter standing in as their client).
//
// Binding identifiers are github.com/google/uuid values rather than the
// small integer handles vqec_nat_api.h's id_manager hands out: the
// hybrid arbiter mints its own id for a binding distinct from the
// sub-protocol ids underneath it (vqec_nat_hybrid_bind_t carries id,
// stun_id and upnp_id side by side), so collision-free ids minted
// independently by three different allocators are exactly the property
// a UUID buys for free.
package nat

import (
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/wmanley/vqe-receiver/config"
)

// BindID identifies one open NAT binding.
type BindID = uuid.UUID

// NilBindID is the invalid/absent binding id, the equivalent of
// VQEC_NAT_BINDID_INVALID.
var NilBindID = uuid.Nil

// Proto enumerates which underlying traversal protocol is responsible
// for a binding, mirroring vqec_nat_proto_t.
type Proto int

const (
	ProtoNull Proto = iota
	ProtoSTUN
	ProtoUPnP
)

func (p Proto) String() string {
	switch p {
	case ProtoSTUN:
		return "STUN"
	case ProtoUPnP:
		return "UPnP"
	default:
		return "null"
	}
}

// BindState mirrors vqec_nat_bind_state_t.
type BindState int

const (
	StateUnknown BindState = iota
	StateNotBehindNAT
	StateBehindNAT
	StateError
)

func (s BindState) String() string {
	switch s {
	case StateNotBehindNAT:
		return "not behind NAT"
	case StateBehindNAT:
		return "behind NAT"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// BindDesc specifies the "request" for a binding: the 4-tuple a
// protocol should map, plus the caller's own bookkeeping fields.
// Grounded on vqec_nat_bind_desc_t.
type BindDesc struct {
	// Name is a canonical, human-readable tag for the binding (logged,
	// never parsed); vqec_nat_bind_desc_t.name.
	Name string
	// CallerID is an opaque identifier the protocol must carry through
	// to BindUpdate/InjectTX unexamined.
	CallerID uint32
	// AllowUpdate permits a query/refresh even once IsBehindNAT has
	// already resolved to false for the protocol as a whole — used by
	// ICE-style sessions that still want fresh mappings.
	AllowUpdate bool
	// InternalAddr is the local 4-tuple half: this host's address and
	// the port the binding is opened against.
	InternalAddr *net.UDPAddr
	// RemoteAddr is the STUN/UPnP server or ICE peer the binding talks to.
	RemoteAddr *net.UDPAddr
}

// SameBinding reports whether two descriptors would collide on the same
// 4-tuple, grounded on vqec_nat_stunproto_is_same_binding /
// vqec_nat_hybrid_is_same_binding.
func (d BindDesc) SameBinding(o BindDesc) bool {
	return udpAddrEqual(d.InternalAddr, o.InternalAddr) &&
		udpAddrEqual(d.RemoteAddr, o.RemoteAddr)
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// BindData is the request-response metadata for a binding, returned by
// Query and delivered to Client.BindUpdate. Grounded on
// vqec_nat_bind_data_t, including its documented non-standard behavior:
// when MapValid is false, ExtAddr mirrors Desc.InternalAddr rather than
// being left zero, so a caller that forgets to check MapValid still gets
// a usable (if wrong) address instead of nothing.
type BindData struct {
	ID       BindID
	Desc     BindDesc
	ExtAddr  *net.UDPAddr
	State    BindState
	MapValid bool
}

// Client is implemented by whatever owns a binding and is invoked by a
// Protocol implementation to move packets and report state changes.
// Grounded on the client-provided half of vqec_nat_api.h:
// vqec_nat_inject_tx and vqec_nat_bind_update. The protocol must never
// call back into the Client from inside one of its own methods in a way
// that re-enters that same method (vqec_nat_api.h's "must not call back
// into the client" constraint on open); BindUpdate may be called
// synchronously from EjectRX, as the original documents.
type Client interface {
	// InjectTX transmits buf, a packet generated by the protocol itself
	// (a STUN request, a SOAP action), towards desc.RemoteAddr on behalf
	// of binding id. Returns false if the packet could not be queued.
	InjectTX(id BindID, desc BindDesc, buf []byte) bool
	// BindUpdate reports an incomplete-to-complete (or otherwise
	// changed) transition for binding id.
	BindUpdate(id BindID, data BindData)
}

// Protocol is the protocol-independent interface grounded on
// vqec_nat_proto_if_t. STUN, UPnP and the hybrid arbiter each implement
// it, so the channel layer opening a binding never needs a type switch.
type Protocol interface {
	// Create instantiates protocol state from cfg, wiring client as the
	// sink for InjectTX/BindUpdate callbacks.
	Create(cfg config.NATConfig, client Client) error
	// Destroy releases all bindings and protocol-owned resources.
	Destroy()
	// Open creates a new binding for desc, returning NilBindID on
	// failure (e.g. the 4-tuple is already open, or capacity is
	// exhausted).
	Open(desc BindDesc) (BindID, error)
	// Close releases a binding previously returned by Open.
	Close(id BindID)
	// Query returns the binding's most recently known mapping. If
	// refresh is true and no refresh is already in flight, one is
	// scheduled immediately.
	Query(id BindID, refresh bool) (BindData, error)
	// EjectRX delivers an inbound packet — e.g. a STUN response read
	// off the RTP/RTCP socket — to the protocol for processing.
	EjectRX(id BindID, buf []byte, source *net.UDPAddr)
	// Fprint and FprintAll write diagnostic status for one binding, or
	// every binding presently open, to w.
	Fprint(w io.Writer, id BindID)
	FprintAll(w io.Writer)
	// DebugSet/DebugClr toggle the protocol's own verbose logging.
	DebugSet(verbose bool)
	DebugClr()
	// IsBehindNAT reports whether the protocol has conclusively
	// determined this host sits behind a NAT. Protocols are
	// "permissive": they report true until proven otherwise.
	IsBehindNAT() bool
}
