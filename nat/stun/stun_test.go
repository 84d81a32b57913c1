package stun

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	stunmsg "github.com/pion/stun/v2"
	"github.com/stretchr/testify/require"

	"github.com/wmanley/vqe-receiver/config"
	"github.com/wmanley/vqe-receiver/nat"
	"github.com/wmanley/vqe-receiver/timer"
)

type fakeClient struct {
	mu      sync.Mutex
	tx      [][]byte
	updates []nat.BindData
	inject  func(id nat.BindID, desc nat.BindDesc, buf []byte) bool
}

func (f *fakeClient) InjectTX(id nat.BindID, desc nat.BindDesc, buf []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx = append(f.tx, append([]byte(nil), buf...))
	if f.inject != nil {
		return f.inject(id, desc, buf)
	}
	return true
}

func (f *fakeClient) BindUpdate(id nat.BindID, data nat.BindData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, data)
}

func (f *fakeClient) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tx)
}

func (f *fakeClient) lastTX() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tx) == 0 {
		return nil
	}
	return f.tx[len(f.tx)-1]
}

func testConfig() config.NATConfig {
	return config.NATConfig{
		MaxBindings:     8,
		RefreshInterval: time.Hour,
		MaxPacketSize:   1500,
		InputInterface:  "eth0",
	}
}

func newTestProto(t *testing.T, client nat.Client) (*Proto, *timer.Service) {
	t.Helper()
	svc := timer.NewService(nil)
	p := New(svc, nil)
	require.NoError(t, p.Create(testConfig(), client))
	return p, svc
}

func TestOpenRejectsDuplicateBinding(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		Name:         "rtp",
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}

	id, err := p.Open(desc)
	require.NoError(t, err)
	require.NotEqual(t, nat.NilBindID, id)

	_, err = p.Open(desc)
	require.Error(t, err)
}

func TestQueryUnknownBindingReturnsError(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	_, err := p.Query(nat.BindID{}, false)
	require.Error(t, err)
}

func TestQueryBeforeMapValidReflectsInternalAddress(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	id, err := p.Open(desc)
	require.NoError(t, err)

	data, err := p.Query(id, false)
	require.NoError(t, err)
	require.False(t, data.MapValid)
	require.Equal(t, desc.InternalAddr, data.ExtAddr)
}

func TestQueryRefreshSendsStunRequest(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 6001},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	id, err := p.Open(desc)
	require.NoError(t, err)

	_, err = p.Query(id, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.txCount() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestEjectRXCompletesBindingFromSuccessResponse(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.4"), Port: 6002},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	id, err := p.Open(desc)
	require.NoError(t, err)

	_, err = p.Query(id, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.txCount() >= 1 }, time.Second, 5*time.Millisecond)

	req := &stunmsg.Message{Raw: append([]byte(nil), client.lastTX()...)}
	require.NoError(t, req.Decode())

	extAddr := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 41000}
	resp, err := stunmsg.Build(stunmsg.NewTransactionIDSetter(req.TransactionID), stunmsg.BindingSuccess,
		&stunmsg.XORMappedAddress{IP: extAddr.IP, Port: extAddr.Port}, stunmsg.Fingerprint)
	require.NoError(t, err)

	p.EjectRX(id, resp.Raw, desc.RemoteAddr)

	data, err := p.Query(id, false)
	require.NoError(t, err)
	require.True(t, data.MapValid)
	require.Equal(t, nat.StateBehindNAT, data.State)
	require.True(t, data.ExtAddr.IP.Equal(extAddr.IP))
	require.Equal(t, extAddr.Port, data.ExtAddr.Port)
}

func TestEjectRXEqualAddressTriggersNotBehindNAT(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	internal := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 6003}
	desc := nat.BindDesc{
		InternalAddr: internal,
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	id, err := p.Open(desc)
	require.NoError(t, err)

	_, err = p.Query(id, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.txCount() >= 1 }, time.Second, 5*time.Millisecond)

	req := &stunmsg.Message{Raw: append([]byte(nil), client.lastTX()...)}
	require.NoError(t, req.Decode())

	resp, err := stunmsg.Build(stunmsg.NewTransactionIDSetter(req.TransactionID), stunmsg.BindingSuccess,
		&stunmsg.XORMappedAddress{IP: internal.IP, Port: internal.Port}, stunmsg.Fingerprint)
	require.NoError(t, err)

	p.EjectRX(id, resp.Raw, desc.RemoteAddr)

	require.False(t, p.IsBehindNAT())
}

func TestEjectRXRequestDrawsResponse(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: 6004},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	id, err := p.Open(desc)
	require.NoError(t, err)

	req, err := stunmsg.Build(stunmsg.TransactionID, stunmsg.BindingRequest, stunmsg.Fingerprint)
	require.NoError(t, err)

	source := &net.UDPAddr{IP: net.ParseIP("198.51.100.20"), Port: 55000}
	p.EjectRX(id, req.Raw, source)

	require.Eventually(t, func() bool { return client.txCount() >= 1 }, time.Second, 5*time.Millisecond)

	resp := &stunmsg.Message{Raw: append([]byte(nil), client.lastTX()...)}
	require.NoError(t, resp.Decode())
	require.Equal(t, stunmsg.BindingSuccess, resp.Type)

	var xorAddr stunmsg.XORMappedAddress
	require.NoError(t, xorAddr.GetFrom(resp))
	require.True(t, xorAddr.IP.Equal(source.IP))
	require.Equal(t, source.Port, xorAddr.Port)
}

func TestCloseDestroysRetryTimer(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 6005},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	id, err := p.Open(desc)
	require.NoError(t, err)

	p.Close(id)
	_, err = p.Query(id, false)
	require.Error(t, err)
}

func TestFprintAllListsOpenBindings(t *testing.T) {
	client := &fakeClient{}
	p, svc := newTestProto(t, client)
	defer svc.Close()
	defer p.Destroy()

	desc := nat.BindDesc{
		Name:         "video",
		InternalAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.8"), Port: 6006},
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478},
	}
	_, err := p.Open(desc)
	require.NoError(t, err)

	var buf strings.Builder
	p.FprintAll(&buf)
	require.Contains(t, buf.String(), "video")
	require.Contains(t, buf.String(), "NAT bindings open:          1")
}
