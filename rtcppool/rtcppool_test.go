package rtcppool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	SSRC uint32
}

func TestAcquireReleaseRecyclesObjects(t *testing.T) {
	p := NewPool[fakeMember]("test-MB", 2)

	a, err := p.Acquire()
	require.NoError(t, err)
	a.SSRC = 7

	b, err := p.Acquire()
	require.NoError(t, err)

	require.Equal(t, Stats{Allocations: 2, AllocationsHW: 2}, p.Stats())

	p.Release(a)
	require.EqualValues(t, 1, p.Stats().Allocations)

	c, err := p.Acquire()
	require.NoError(t, err)
	require.Zero(t, c.SSRC, "recycled object must be zeroed")

	_ = b
}

func TestAcquireFailsAtCapacity(t *testing.T) {
	p := NewPool[fakeMember]("test-SE", 1)
	_, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.Error(t, err)
	require.EqualValues(t, 1, p.Stats().AllocationsFailed)
}

func TestHighWaterMarkPersistsAfterRelease(t *testing.T) {
	p := NewPool[fakeMember]("test-CM", 3)
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	p.Release(a)
	p.Release(b)
	require.EqualValues(t, 0, p.Stats().Allocations)
	require.EqualValues(t, 2, p.Stats().AllocationsHW)
}

type sdesChunk [33]byte
type senderInfoBlock [8]uint64

func TestNewClassMemoryDerivesSDESAndSenderInfoCapacity(t *testing.T) {
	mem := NewClassMemory[struct{}, fakeMember, fakeMember, sdesChunk, senderInfoBlock](
		"chan", 10, 5, 3, 2,
	)
	require.Equal(t, "chan-SE", mem.Session.Name())
	require.Equal(t, "chan-MB", mem.ClientMember.Name())
	require.Equal(t, "chan-CM", mem.ChannelMember.Name())
	require.Equal(t, 10, mem.Session.Capacity())
	require.Equal(t, 5, mem.ClientMember.Capacity())
	require.Equal(t, 3, mem.ChannelMember.Capacity())
	require.Equal(t, (5+3)*2, mem.SDES.Capacity())
	require.Equal(t, 5+3, mem.SenderInfo.Capacity())
}

func TestClassMemoryAllocatedSumsAcrossPools(t *testing.T) {
	mem := NewClassMemory[fakeMember, fakeMember, fakeMember, fakeMember, fakeMember](
		"x", 1, 1, 1, 1,
	)
	_, err := mem.Session.Acquire()
	require.NoError(t, err)
	_, err = mem.ClientMember.Acquire()
	require.NoError(t, err)
	require.EqualValues(t, 2, mem.Allocated())
}
