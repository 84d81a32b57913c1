package rtpsrc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstPacketIsSeqStart(t *testing.T) {
	var s Source
	require.Equal(t, SeqStart, s.UpdateSeq(100))
}

func TestSequenceWrap(t *testing.T) {
	var s Source
	s.UpdateSeq(65530)
	for _, seq := range []uint16{65531, 65532, 65533, 65534, 65535} {
		require.Equal(t, SeqOK, s.UpdateSeq(seq))
	}
	for _, seq := range []uint16{0, 1, 2, 3, 4, 5} {
		require.Equal(t, SeqOK, s.UpdateSeq(seq))
	}
	require.EqualValues(t, SeqMod, s.cycles)
	require.EqualValues(t, 0, s.lost)
}

func TestMisorderCapAndRestart(t *testing.T) {
	var s Source
	s.UpdateSeq(1000)
	s.maxSeq = 1000

	require.Equal(t, SeqJump, s.UpdateSeq(500))
	require.EqualValues(t, 501, s.badSeq)
	require.EqualValues(t, 1, s.seqjumps)

	require.Equal(t, SeqRestart, s.UpdateSeq(501))
}

func TestDuplicateDetection(t *testing.T) {
	var s Source
	s.UpdateSeq(10)
	s.UpdateSeq(11)
	require.Equal(t, SeqDup, s.UpdateSeq(11))
	require.EqualValues(t, 1, s.dups)
}

func TestMisorderDecrementsLostAndBumpsOutOfOrder(t *testing.T) {
	var s Source
	s.UpdateSeq(10)
	s.UpdateSeq(12) // gap: lost++ => 1
	require.EqualValues(t, 1, s.lost)
	require.Equal(t, SeqMisorder, s.UpdateSeq(11))
	require.EqualValues(t, 0, s.lost)
	require.EqualValues(t, 1, s.outOfOrder)
}

func TestExpectedInvariantNoLoss(t *testing.T) {
	var s Source
	s.UpdateSeq(0)
	s.UpdateSeq(1)
	s.UpdateSeq(2)
	require.EqualValues(t, 3, s.Expected())
	require.EqualValues(t, 3, s.received)
	require.EqualValues(t, 0, s.lost)
}

func TestJitterAccumulates(t *testing.T) {
	var s Source
	s.UpdateJitter(1000, 1000)
	s.UpdateJitter(2000, 1900)
	require.Greater(t, s.Jitter(), uint32(0))
}
