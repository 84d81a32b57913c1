package hybrid

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wmanley/vqe-receiver/config"
	"github.com/wmanley/vqe-receiver/nat"
)

type fakeProto struct {
	mu        sync.Mutex
	client    nat.Client
	opened    map[nat.BindID]nat.BindDesc
	closed    []nat.BindID
	openErr   error
	behindNAT bool
}

func newFakeProto() *fakeProto {
	return &fakeProto{opened: make(map[nat.BindID]nat.BindDesc), behindNAT: true}
}

func (f *fakeProto) Create(cfg config.NATConfig, client nat.Client) error {
	f.client = client
	return nil
}

func (f *fakeProto) Destroy() {}

func (f *fakeProto) Open(desc nat.BindDesc) (nat.BindID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nat.NilBindID, f.openErr
	}
	id := uuid.New()
	f.opened[id] = desc
	return id, nil
}

func (f *fakeProto) Close(id nat.BindID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.opened, id)
	f.closed = append(f.closed, id)
}

func (f *fakeProto) Query(id nat.BindID, refresh bool) (nat.BindData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc, ok := f.opened[id]
	if !ok {
		return nat.BindData{}, errors.New("unknown binding")
	}
	return nat.BindData{ID: id, Desc: desc}, nil
}

func (f *fakeProto) EjectRX(id nat.BindID, buf []byte, source *net.UDPAddr) {}

func (f *fakeProto) Fprint(w io.Writer, id nat.BindID) { fmt.Fprintf(w, "fake binding %s\n", id) }
func (f *fakeProto) FprintAll(w io.Writer)              {}
func (f *fakeProto) DebugSet(bool)                      {}
func (f *fakeProto) DebugClr()                          {}
func (f *fakeProto) IsBehindNAT() bool                  { return f.behindNAT }

func (f *fakeProto) wasClosed(id nat.BindID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.closed {
		if c == id {
			return true
		}
	}
	return false
}

func testConfig() config.NATConfig {
	return config.NATConfig{MaxBindings: 4, RefreshInterval: 1, MaxPacketSize: 1500}
}

func newTestHybrid(t *testing.T) (*Proto, *fakeProto, *fakeProto) {
	t.Helper()
	fstun := newFakeProto()
	fupnp := newFakeProto()
	p := New(fstun, fupnp, nil)
	require.NoError(t, p.Create(testConfig(), &captureClient{}))
	return p, fstun, fupnp
}

type captureClient struct {
	mu      sync.Mutex
	updates []nat.BindData
}

func (c *captureClient) InjectTX(nat.BindID, nat.BindDesc, []byte) bool { return true }

func (c *captureClient) BindUpdate(id nat.BindID, data nat.BindData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, data)
}

func TestOpenOpensBothSubProtocolsAndDefaultsToSTUN(t *testing.T) {
	p, fstun, fupnp := newTestHybrid(t)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}}
	id, err := p.Open(desc)
	require.NoError(t, err)

	b := p.bindings[id]
	require.Equal(t, nat.ProtoSTUN, b.proto)
	require.Len(t, fstun.opened, 1)
	require.Len(t, fupnp.opened, 1)
}

func TestOpenAbortsAndClosesStunWhenUpnpFails(t *testing.T) {
	fstun := newFakeProto()
	fupnp := newFakeProto()
	fupnp.openErr = errors.New("no IGD")
	p := New(fstun, fupnp, nil)
	require.NoError(t, p.Create(testConfig(), &captureClient{}))

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5001}}
	_, err := p.Open(desc)
	require.Error(t, err)
	require.Empty(t, p.bindings)
	require.Len(t, fstun.closed, 1)
}

func TestBindUpdateSwitchesToUpnpWhenOnlyUpnpKnown(t *testing.T) {
	p, fstun, fupnp := newTestHybrid(t)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 5002}}
	id, err := p.Open(desc)
	require.NoError(t, err)
	b := p.bindings[id]

	fupnp.client.BindUpdate(b.upnpID, nat.BindData{
		ID: b.upnpID, Desc: desc, MapValid: true,
		ExtAddr: &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 9000},
	})

	require.Equal(t, nat.ProtoUPnP, b.proto)
	_ = fstun
}

func TestBindUpdateClosesSupersededSubProtocolWhenAddrsEqual(t *testing.T) {
	p, fstun, fupnp := newTestHybrid(t)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.4"), Port: 5003}}
	id, err := p.Open(desc)
	require.NoError(t, err)
	b := p.bindings[id]

	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.2"), Port: 9001}
	fupnp.client.BindUpdate(b.upnpID, nat.BindData{ID: b.upnpID, Desc: desc, MapValid: true, ExtAddr: addr})
	fstun.client.BindUpdate(b.stunID, nat.BindData{ID: b.stunID, Desc: desc, MapValid: true, ExtAddr: addr})

	require.Equal(t, nat.ProtoUPnP, b.proto)
	require.False(t, b.stunOpen)
	require.True(t, fstun.wasClosed(b.stunID))
}

func TestBindUpdatePrefersStunWhenAddrsDiffer(t *testing.T) {
	p, fstun, fupnp := newTestHybrid(t)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5004}}
	id, err := p.Open(desc)
	require.NoError(t, err)
	b := p.bindings[id]

	fupnp.client.BindUpdate(b.upnpID, nat.BindData{
		ID: b.upnpID, Desc: desc, MapValid: true,
		ExtAddr: &net.UDPAddr{IP: net.ParseIP("198.51.100.3"), Port: 9002},
	})
	fstun.client.BindUpdate(b.stunID, nat.BindData{
		ID: b.stunID, Desc: desc, MapValid: true,
		ExtAddr: &net.UDPAddr{IP: net.ParseIP("198.51.100.4"), Port: 9003},
	})

	require.Equal(t, nat.ProtoSTUN, b.proto)
	require.False(t, b.upnpOpen)
	require.True(t, fupnp.wasClosed(b.upnpID))
}

func TestBindUpdateForwardsOnlyWhenProtoMatchesAuthoritative(t *testing.T) {
	p, fstun, _ := newTestHybrid(t)
	client := p.client.(*captureClient)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: 5005}}
	id, err := p.Open(desc)
	require.NoError(t, err)
	b := p.bindings[id]

	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 9004}
	fstun.client.BindUpdate(b.stunID, nat.BindData{ID: b.stunID, Desc: desc, MapValid: true, ExtAddr: addr})

	require.Len(t, client.updates, 1)
	require.Equal(t, id, client.updates[0].ID)
}

func TestEjectRXRoutesOnlyToStun(t *testing.T) {
	p, _, _ := newTestHybrid(t)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5006}}
	id, err := p.Open(desc)
	require.NoError(t, err)

	p.EjectRX(id, []byte{1, 2, 3}, &net.UDPAddr{IP: net.ParseIP("198.51.100.6"), Port: 9005})
}

func TestIsBehindNatDelegatesToStun(t *testing.T) {
	p, fstun, _ := newTestHybrid(t)
	fstun.behindNAT = false
	require.False(t, p.IsBehindNAT())
}

func TestCloseReleasesBothSubProtocolBindings(t *testing.T) {
	p, fstun, fupnp := newTestHybrid(t)

	desc := nat.BindDesc{InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.8"), Port: 5007}}
	id, err := p.Open(desc)
	require.NoError(t, err)
	b := p.bindings[id]

	p.Close(id)
	require.True(t, fstun.wasClosed(b.stunID))
	require.True(t, fupnp.wasClosed(b.upnpID))
	require.Empty(t, p.bindings)
}
