package upnp

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCookiePoolAcquireUpToCapacity(t *testing.T) {
	cp := newCookiePool(2)

	a, err := cp.acquire(uuid.New())
	require.NoError(t, err)
	b, err := cp.acquire(uuid.New())
	require.NoError(t, err)
	require.NotEqual(t, a.id, b.id)

	_, err = cp.acquire(uuid.New())
	require.Error(t, err)
}

func TestCookiePoolReleaseWithoutHolderReturnsToFreeList(t *testing.T) {
	cp := newCookiePool(1)
	c, err := cp.acquire(uuid.New())
	require.NoError(t, err)

	cp.release(c)
	require.Len(t, cp.free, 1)
	require.Len(t, cp.orphans, 0)

	_, err = cp.acquire(uuid.New())
	require.NoError(t, err)
}

func TestCookiePoolReleaseWithHolderParksOrphan(t *testing.T) {
	cp := newCookiePool(1)
	c, err := cp.acquire(uuid.New())
	require.NoError(t, err)

	cp.hold(c)
	cp.release(c)
	require.Len(t, cp.free, 0)
	require.Len(t, cp.orphans, 1)

	cp.unhold(c)
	require.Len(t, cp.free, 1)
	require.Len(t, cp.orphans, 0)
}

func TestCookiePoolExhaustedReclaimsOrphan(t *testing.T) {
	cp := newCookiePool(1)
	bindA := uuid.New()
	c, err := cp.acquire(bindA)
	require.NoError(t, err)

	cp.hold(c)
	cp.release(c)
	require.Len(t, cp.orphans, 1)

	bindB := uuid.New()
	_, err = cp.acquire(bindB)
	require.Error(t, err)

	cp.unhold(c)
	reused, err := cp.acquire(bindB)
	require.NoError(t, err)
	require.Same(t, c, reused)
	require.Equal(t, bindB, reused.bindID)
}
