package upnp

import (
	"sync"

	"github.com/rs/xid"

	"github.com/wmanley/vqe-receiver/liberrors"
	"github.com/wmanley/vqe-receiver/nat"
)

// cookie is the callback-safety token of vqec_nat_upnp_cookie_t: every
// asynchronous SOAP call (AddPortMapping, GetExternalIPAddress) carries
// one, and the binding it names is only touched by the call's
// completion handler while refcnt says it is still safe to do so.
// Cookie identifiers are github.com/rs/xid values, distinct from the
// google/uuid binding ids: a cookie is a short-lived, high-churn
// per-request token rather than a binding's identity, and xid's
// monotonic, lock-free generation fits that turnover better than a
// random UUID draw per cookie.
type cookie struct {
	id        xid.ID
	bindID    nat.BindID
	refcnt    int
	destroyed bool
}

// cookiePool is the fixed-capacity allocator sized COOKIE_MULTIPLIER ×
// max_bindings (config.NATConfig.CookiePoolSize), grounded on
// vqec_nat_upnp_create's cookie zone allocation and vqec_nat_upnp_close's
// orphan-list handling: a cookie whose binding closes while a callback
// still holds it is parked on an orphan list instead of being freed, and
// is only returned to the free list once the last holder releases it.
type cookiePool struct {
	mu      sync.Mutex
	cap     int
	created int
	free    []*cookie
	orphans []*cookie
}

func newCookiePool(capacity int) *cookiePool {
	return &cookiePool{cap: capacity}
}

// acquire mints a cookie for bindID from a free-list slot, else from
// fresh capacity. An orphan still held by a callback is never handed out;
// it becomes available only after its last unhold moves it to the free list.
func (cp *cookiePool) acquire(bindID nat.BindID) (*cookie, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var c *cookie
	switch {
	case len(cp.free) > 0:
		n := len(cp.free)
		c = cp.free[n-1]
		cp.free = cp.free[:n-1]
	case cp.created < cp.cap:
		c = &cookie{}
		cp.created++
	default:
		return nil, liberrors.ErrPoolExhausted{Pool: "nat/upnp cookie pool"}
	}

	c.id = xid.New()
	c.bindID = bindID
	c.refcnt = 0
	c.destroyed = false
	return c, nil
}

// release retires c's binding. A cookie still held by an in-flight SOAP
// callback (refcnt > 0) moves to the orphan list instead of the free
// list, so that callback's eventual hold/unhold pair still observes a
// consistent cookie rather than one already handed to a new binding.
func (cp *cookiePool) release(c *cookie) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c.destroyed = true
	if c.refcnt == 0 {
		cp.free = append(cp.free, c)
		return
	}
	cp.orphans = append(cp.orphans, c)
}

// hold/unhold bracket one outstanding asynchronous call referencing c.
func (cp *cookiePool) hold(c *cookie) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c.refcnt++
}

func (cp *cookiePool) unhold(c *cookie) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c.refcnt--
	if c.refcnt > 0 || !c.destroyed {
		return
	}
	for i, o := range cp.orphans {
		if o == c {
			cp.orphans = append(cp.orphans[:i], cp.orphans[i+1:]...)
			break
		}
	}
	cp.free = append(cp.free, c)
}
