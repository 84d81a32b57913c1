// Package rtcppool implements the fixed-capacity RTCP object pools of
// spec section 4.5, grounded on original_source/rtp/rtcp_memory.c
// (rtcp_cfg_memory, rtcp_new_object, rtcp_delete_object): O(1)
// acquire/release against a capacity fixed at construction time, with
// current, high-water and failed-attempt counters per pool.
//
// The original slices a single zone allocator five ways by object type
// and chunk size; here each object class gets its own generic Pool, one
// per Go type, which is the idiomatic equivalent of a fixed-size slab.
package rtcppool

import (
	"sync"

	"github.com/wmanley/vqe-receiver/liberrors"
)

// Stats mirrors rtcp_mem_pool_t's pool_stats: outstanding allocations,
// the high-water mark, and failed acquire attempts.
type Stats struct {
	Allocations       uint64
	AllocationsHW     uint64
	AllocationsFailed uint64
}

// Pool is a fixed-capacity object pool for one RTCP object class.
// Objects are created lazily up to maxChunks, then recycled from a free
// list; capacity never grows past its construction-time bound.
type Pool[T any] struct {
	mu        sync.Mutex
	name      string
	maxChunks int
	created   int
	free      []*T
	stats     Stats
}

// NewPool constructs a pool named zoneName (for diagnostics, matching
// the original's "<name><suffix>" zone naming) with capacity maxChunks.
func NewPool[T any](zoneName string, maxChunks int) *Pool[T] {
	return &Pool[T]{name: zoneName, maxChunks: maxChunks}
}

// Acquire returns a zeroed object, or ErrPoolExhausted once maxChunks
// objects are outstanding simultaneously.
func (p *Pool[T]) Acquire() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var obj *T
	if n := len(p.free); n > 0 {
		obj = p.free[n-1]
		p.free = p.free[:n-1]
		*obj = *new(T)
	} else if p.created < p.maxChunks {
		obj = new(T)
		p.created++
	} else {
		p.stats.AllocationsFailed++
		return nil, liberrors.ErrPoolExhausted{Pool: p.name}
	}

	p.stats.Allocations++
	if p.stats.Allocations > p.stats.AllocationsHW {
		p.stats.AllocationsHW = p.stats.Allocations
	}
	return obj, nil
}

// Release returns obj to the pool's free list for reuse.
func (p *Pool[T]) Release(obj *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stats.Allocations > 0 {
		p.stats.Allocations--
	}
	p.free = append(p.free, obj)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Name returns the pool's zone name.
func (p *Pool[T]) Name() string { return p.name }

// Capacity returns the pool's fixed maximum chunk count.
func (p *Pool[T]) Capacity() int { return p.maxChunks }

// ClassMemory bundles the five pools a session class needs, grounded on
// rtcp_cfg_memory's per-class zone setup: one pool per object kind, with
// zone names suffixed "-SE"/"-MB"/"-CM"/"-SD"/"-SI" and the SDES and
// sender-info pools' capacities derived from the member pools'.
type ClassMemory[TSession, TClientMember, TChannelMember, TSDES, TSenderInfo any] struct {
	Session       *Pool[TSession]
	ClientMember  *Pool[TClientMember]
	ChannelMember *Pool[TChannelMember]
	SDES          *Pool[TSDES]
	SenderInfo    *Pool[TSenderInfo]
}

// NewClassMemory constructs a ClassMemory the way rtcp_cfg_memory lays
// one out: sdesItemsPerMember is RTCP_MAX_SDES_ITEMS, the per-member
// count of SDES chunks the pool must hold across all members.
func NewClassMemory[TSession, TClientMember, TChannelMember, TSDES, TSenderInfo any](
	name string,
	maxSessions int,
	clientMaxMembers int,
	channelMaxMembers int,
	sdesItemsPerMember int,
) *ClassMemory[TSession, TClientMember, TChannelMember, TSDES, TSenderInfo] {
	totalMembers := clientMaxMembers + channelMaxMembers
	return &ClassMemory[TSession, TClientMember, TChannelMember, TSDES, TSenderInfo]{
		Session:       NewPool[TSession](name+"-SE", maxSessions),
		ClientMember:  NewPool[TClientMember](name+"-MB", clientMaxMembers),
		ChannelMember: NewPool[TChannelMember](name+"-CM", channelMaxMembers),
		SDES:          NewPool[TSDES](name+"-SD", totalMembers*sdesItemsPerMember),
		SenderInfo:    NewPool[TSenderInfo](name+"-SI", totalMembers),
	}
}

// Allocated reports the total number of objects currently outstanding
// across all five pools, mirroring rtcp_memory_allocated.
func (m *ClassMemory[TSession, TClientMember, TChannelMember, TSDES, TSenderInfo]) Allocated() uint64 {
	return m.Session.Stats().Allocations +
		m.ClientMember.Stats().Allocations +
		m.ChannelMember.Stats().Allocations +
		m.SDES.Stats().Allocations +
		m.SenderInfo.Stats().Allocations
}
