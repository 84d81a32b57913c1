package rtcpbw

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveTotRoleBWExplicit(t *testing.T) {
	role := RoleBW{ExplicitBW: 12345, HaveExplicitBW: true}
	other := RoleBW{}
	ResolveTotRoleBW(&role, other, 0, false, true)
	require.True(t, role.HaveTotRoleBW)
	require.EqualValues(t, 12345, role.TotRoleBW)
}

func TestResolveTotRoleBWFromASDefaultFraction(t *testing.T) {
	sender := RoleBW{}
	receiver := RoleBW{}

	ResolveTotRoleBW(&sender, receiver, 5500, true, true)
	ResolveTotRoleBW(&receiver, sender, 5500, true, false)

	require.True(t, sender.HaveTotRoleBW)
	require.True(t, receiver.HaveTotRoleBW)
	// tot_rtcp_bw = 5500*1000*0.05 = 275000; sender share 25%, receiver 75%.
	require.EqualValues(t, 68750, sender.TotRoleBW)
	require.EqualValues(t, 206250, receiver.TotRoleBW)
}

func TestResolveTotRoleBWSubtractsOtherExplicit(t *testing.T) {
	sender := RoleBW{ExplicitBW: 50000, HaveExplicitBW: true}
	receiver := RoleBW{}
	ResolveTotRoleBW(&receiver, sender, 5500, true, false)
	require.EqualValues(t, 275000-50000, receiver.TotRoleBW)
}

func TestResolveTotRoleBWCap(t *testing.T) {
	role := RoleBW{ExplicitBW: RTCPMaxBW + 1000, HaveExplicitBW: true}
	ResolveTotRoleBW(&role, RoleBW{}, 0, false, true)
	require.EqualValues(t, RTCPMaxBW, role.TotRoleBW)
}

func TestResolveTotRoleBWUnspecified(t *testing.T) {
	role := RoleBW{}
	ResolveTotRoleBW(&role, RoleBW{}, 0, false, true)
	require.False(t, role.HaveTotRoleBW)
}

func TestBuildIntervalInputsPerMemberOverridesSessionWide(t *testing.T) {
	role := RoleBW{CfgPerMemberBW: 8000, HaveCfgPerMemberBW: true}
	in := BuildIntervalInputs(role, RoleBW{}, true, 200, 40, 10, 500, false)
	require.Equal(t, 1, in.Members)
	require.Equal(t, 1, in.Senders)
	require.InDelta(t, 1000, in.RTCPBWBytesPerSec, 0.001)
	require.Equal(t, 1.0, in.SenderBWFraction)
	require.Equal(t, 200.0, in.AvgSize)
}

func TestBuildIntervalInputsSessionWide(t *testing.T) {
	sender := RoleBW{TotRoleBW: 68750, HaveTotRoleBW: true}
	receiver := RoleBW{TotRoleBW: 206250, HaveTotRoleBW: true}
	in := BuildIntervalInputs(sender, receiver, true, 0, 1, 1, 0, true)
	require.Equal(t, 1, in.Members)
	require.Equal(t, 1, in.Senders)
	require.InDelta(t, 0.25, in.SenderBWFraction, 1e-9)
	require.InDelta(t, 275000.0/8, in.RTCPBWBytesPerSec, 0.001)
}

func TestComputeTdRTCPIntervalFloor(t *testing.T) {
	// spec scenario: AS=5500kbps, sender, 1 member, initial=true.
	sender := RoleBW{}
	receiver := RoleBW{}
	ResolveTotRoleBW(&sender, receiver, 5500, true, true)
	ResolveTotRoleBW(&receiver, sender, 5500, true, false)

	in := BuildIntervalInputs(sender, receiver, true, 0, 1, 1, 0, true)
	result := ComputeTd(in)

	require.GreaterOrEqual(t, result.Td, 2.5)

	prng := SeedJitterPRNG(1)
	for i := 0; i < 100; i++ {
		tval := ComputeT(result.Td, prng)
		require.GreaterOrEqual(t, tval, 0.5*result.Td/compensation-1e-9)
		require.LessOrEqual(t, tval, 1.5*result.Td/compensation+1e-9)
	}
}

func TestComputeTVariesAcrossCalls(t *testing.T) {
	prng := SeedJitterPRNG(42)
	a := ComputeT(5.0, prng)
	b := ComputeT(5.0, prng)
	require.NotEqual(t, a, b)
}

func TestSeedJitterPRNGDiffersAcrossSeeds(t *testing.T) {
	a := SeedJitterPRNG(1).next()
	b := SeedJitterPRNG(2).next()
	require.NotEqual(t, a, b)
}
