package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wmanley/vqe-receiver/rtcpbw"
)

func TestParseRSIRoundTripsGAPSB(t *testing.T) {
	sub := GAPSBSubreport{GroupSize: 12, AveragePacketSize: 700}
	buf := MarshalGAPSB(sub)

	parsed, err := ParseRSI(buf)
	require.NoError(t, err)
	require.Len(t, parsed.GAPSB, 1)
	require.Equal(t, sub, parsed.GAPSB[0])
}

func TestParseRSIRoundTripsBISB(t *testing.T) {
	sub := BISBSubreport{SenderSet: true, ReceiverSet: true, PerMemberBW: 4096}
	buf := MarshalBISB(sub)

	parsed, err := ParseRSI(buf)
	require.NoError(t, err)
	require.Len(t, parsed.BISB, 1)
	require.Equal(t, sub, parsed.BISB[0])
}

func TestParseRSIWalksMultipleSubreports(t *testing.T) {
	buf := append(MarshalGAPSB(GAPSBSubreport{GroupSize: 4, AveragePacketSize: 200}),
		MarshalBISB(BISBSubreport{SenderSet: true, PerMemberBW: 1000})...)

	parsed, err := ParseRSI(buf)
	require.NoError(t, err)
	require.Len(t, parsed.GAPSB, 1)
	require.Len(t, parsed.BISB, 1)
}

func TestParseRSISkipsUnknownSubreport(t *testing.T) {
	unknown := make([]byte, 8)
	unknown[0] = 99
	unknown[2] = 0
	unknown[3] = 2 // 2 words = 8 bytes

	buf := append(unknown, MarshalGAPSB(GAPSBSubreport{GroupSize: 5, AveragePacketSize: 1})...)

	parsed, err := ParseRSI(buf)
	require.NoError(t, err)
	require.Len(t, parsed.GAPSB, 1)
	require.Empty(t, parsed.BISB)
}

func TestParseRSIRejectsZeroLength(t *testing.T) {
	buf := make([]byte, 4)
	buf[0] = byte(SubreportGAPSB)
	_, err := ParseRSI(buf)
	require.Error(t, err)
}

func TestParseRSIRejectsTrailingGarbage(t *testing.T) {
	buf := append(MarshalGAPSB(GAPSBSubreport{GroupSize: 4, AveragePacketSize: 1}), 0x01, 0x02)
	_, err := ParseRSI(buf)
	require.Error(t, err)
}

func TestApplyGAPSBSubtractsOldContributionBeforeAddingNew(t *testing.T) {
	var nmembersLearned int64 = 10
	view := &MemberReportedView{NMembersReported: 5} // previous contribution: 5-2=3

	avg := ApplyGAPSB(view, GAPSBSubreport{GroupSize: 8, AveragePacketSize: 500}, &nmembersLearned, 0)

	// old contribution removed (10-3=7), new contribution added (8-2=6) -> 13
	require.Equal(t, int64(13), nmembersLearned)
	require.Equal(t, int64(8), view.NMembersReported)
	require.Equal(t, uint16(500), view.AvgSizeReported)
	require.Equal(t, float64(500), avg) // first observation seeds the average directly
}

func TestApplyGAPSBFirstReportOnlyAdds(t *testing.T) {
	var nmembersLearned int64
	view := &MemberReportedView{}

	ApplyGAPSB(view, GAPSBSubreport{GroupSize: 3, AveragePacketSize: 100}, &nmembersLearned, 0)

	require.Equal(t, int64(1), nmembersLearned) // 3-2
}

func TestApplyBISBSetsRoleSpecificBandwidth(t *testing.T) {
	sndr := rtcpbw.RoleBW{}
	rcvr := rtcpbw.RoleBW{}

	ApplyBISB(&sndr, &rcvr, BISBSubreport{SenderSet: true, PerMemberBW: 2048})
	require.True(t, sndr.HaveRptPerMemberBW)
	require.Equal(t, uint64(2048), sndr.RptPerMemberBW)
	require.False(t, rcvr.HaveRptPerMemberBW)

	ApplyBISB(&sndr, &rcvr, BISBSubreport{ReceiverSet: true, PerMemberBW: 4096})
	require.True(t, rcvr.HaveRptPerMemberBW)
	require.Equal(t, uint64(4096), rcvr.RptPerMemberBW)
}
