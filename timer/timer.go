// Package timer implements the single-threaded cooperative timer/event
// service of spec section 4.1.
//
// Grounded on the create/rearm/stop timer idiom the teacher uses in its
// client read and publish loops (client.go's checkStreamTimer and
// keepaliveTimer, connclientread.go's reportTicker/keepaliveTicker/
// checkStreamTicker): a timer fires, its handler runs, and — for the
// periodic case — a fresh timer is armed for the next period, all from
// one place. Here that "one place" is a single dispatch goroutine per
// Service: every fired callback is serialized onto it, so handlers never
// race each other and never need their own locking, which is the
// "single-threaded" part of the abstraction the teacher gets for free by
// only ever touching its timers from one connection goroutine.
package timer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wmanley/vqe-receiver/internal/vqlog"
)

// Kind selects whether a Handle rearms itself after firing.
type Kind int

const (
	OneShot Kind = iota
	Periodic
)

// Service is a single-threaded cooperative timer wheel.
type Service struct {
	log  zerolog.Logger
	mu   sync.Mutex
	next uint64
	fire chan *Handle
	done chan struct{}
}

// NewService starts a Service's dispatch goroutine.
func NewService(log *zerolog.Logger) *Service {
	s := &Service{
		log:  vqlog.Named(vqlog.OrDisabled(log), "timer"),
		fire: make(chan *Handle, 16),
		done: make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Close stops the dispatch goroutine. Timers not yet fired are
// abandoned; it does not wait for in-flight callbacks to finish.
func (s *Service) Close() {
	close(s.done)
}

func (s *Service) dispatch() {
	for {
		select {
		case h := <-s.fire:
			h.runCallback()
		case <-s.done:
			return
		}
	}
}

// Create allocates a timer entry in the stopped state. period is the
// one-shot delay, or the repeat period for Periodic timers.
func (s *Service) Create(kind Kind, period time.Duration, fn func()) *Handle {
	s.mu.Lock()
	s.next++
	id := s.next
	s.mu.Unlock()
	return &Handle{svc: s, id: id, kind: kind, period: period, fn: fn}
}

// Handle is a created timer entry, possibly running.
type Handle struct {
	svc    *Service
	id     uint64
	kind   Kind
	period time.Duration
	fn     func()

	mu        sync.Mutex
	timer     *time.Timer
	running   bool
	destroyed bool
}

// Start arms the timer. A no-op if the timer is already running or has
// been destroyed.
func (h *Handle) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed || h.running {
		return
	}
	h.running = true
	h.armLocked()
}

// armLocked schedules the next fire; h.mu must be held.
func (h *Handle) armLocked() {
	h.timer = time.AfterFunc(h.period, func() {
		select {
		case h.svc.fire <- h:
		case <-h.svc.done:
		}
	})
}

// runCallback executes the handler on the dispatch goroutine and, for
// Periodic timers still running, arms the next period.
func (h *Handle) runCallback() {
	h.mu.Lock()
	if h.destroyed || !h.running {
		h.mu.Unlock()
		return
	}
	kind := h.kind
	h.mu.Unlock()

	h.fn()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed || !h.running {
		return
	}
	if kind == Periodic {
		h.armLocked()
	} else {
		h.running = false
	}
}

// Stop disarms the timer without releasing it; Start may be called
// again afterward.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Destroy permanently retires the timer. Start becomes a no-op.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Running reports whether the timer is currently armed.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
