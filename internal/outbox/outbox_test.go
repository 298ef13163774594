package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

func prepareN(t *testing.T, o *Outbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env, err := protocol.New("dev1", protocol.KindJobEvent, &protocol.JobEvent{JobID: "j"})
		require.NoError(t, err)
		_, err = o.Prepare(env)
		require.NoError(t, err)
	}
}

func TestStampIsGapFreeAndIncreasing(t *testing.T) {
	o := New(10000)
	var seqs []uint64
	for i := 0; i < 5; i++ {
		env, err := protocol.New("dev1", protocol.KindJobEvent, &protocol.JobEvent{JobID: "j"})
		require.NoError(t, err)
		o.Stamp(env)
		seqs = append(seqs, env.Seq)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestHelloNeverStamped(t *testing.T) {
	o := New(10)
	env, err := protocol.New("dev1", protocol.KindHello, &protocol.Hello{})
	require.NoError(t, err)
	o.Stamp(env)
	require.Zero(t, env.Seq)
}

func TestPeerAckDrainsBuffer(t *testing.T) {
	o := New(10000)
	prepareN(t, o, 5)
	require.Equal(t, 5, o.PendingCount())

	o.OnPeerAck(3)
	require.Equal(t, 2, o.PendingCount())

	o.OnPeerAck(5)
	require.Zero(t, o.PendingCount())
}

func TestStampThenFullAckRoundTrip(t *testing.T) {
	o := New(10000)
	const n = 25
	prepareN(t, o, n)
	o.OnPeerAck(n)
	require.Zero(t, o.PendingCount())
}

func TestEvictsOldestOverCapacity(t *testing.T) {
	o := New(3)
	prepareN(t, o, 5)
	require.Equal(t, 3, o.PendingCount())
	drained := o.DrainUnacked()
	require.Len(t, drained, 3)
	first, err := protocol.Decode(drained[0])
	require.NoError(t, err)
	require.EqualValues(t, 3, first.Seq)
}

func TestOnRecvAdvancesLocalAckMonotonically(t *testing.T) {
	o := New(10)
	o.OnRecv(5)
	require.EqualValues(t, 5, o.LocalAck())
	o.OnRecv(2)
	require.EqualValues(t, 5, o.LocalAck())
	o.OnRecv(9)
	require.EqualValues(t, 9, o.LocalAck())
}

func TestDrainUnackedPreservesSeqOrder(t *testing.T) {
	o := New(10000)
	prepareN(t, o, 10)
	drained := o.DrainUnacked()
	require.Len(t, drained, 10)
	for i, data := range drained {
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		require.EqualValues(t, i+1, env.Seq)
	}
}
