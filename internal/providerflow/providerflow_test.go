package providerflow

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/resource"
	"github.com/cmb-protocol/cmb/internal/wire"
)

func testLog(t *testing.T) *logging.Logger {
	t.Helper()
	backend, err := logging.New("DEBUG", false)
	require.NoError(t, err)
	return backend.Get("providerflow_test")
}

func blockReaderFor(data []byte) BlockReader {
	return func(blockID uint64) ([]byte, error) {
		start, end := resource.BlockByteRange(uint64(len(data)), blockID)
		return data[start:end], nil
	}
}

func TestRequestResourceConnectsAndSendsData(t *testing.T) {
	clock := clockwork.NewFakeClock()
	data := make([]byte, 300)
	id := resource.ComputeID(data)

	var sent []wire.Packet
	send := func(p wire.Packet) error {
		sent = append(sent, p)
		return nil
	}

	f := New(testLog(t), clock, send, id, resource.NumBlocks(uint64(len(data))), blockReaderFor(data), 128)
	f.HandleRequestResource(wire.RequestResource{
		Timestamp: 1, SendingRate: 100000, RangeStart: 1, RangeEnd: 2,
	}, id)
	require.Equal(t, StateConnected, f.State())

	require.True(t, f.Tick())
	require.Len(t, sent, 1)
	d, ok := sent[0].(wire.Data)
	require.True(t, ok)
	require.Equal(t, uint64(1), d.BlockID)
}

func TestMismatchedResourceSendsErrorAndDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	data := make([]byte, 10)
	id := resource.ComputeID(data)
	other := resource.ComputeID([]byte("different"))

	var sent []wire.Packet
	send := func(p wire.Packet) error {
		sent = append(sent, p)
		return nil
	}
	f := New(testLog(t), clock, send, id, 1, blockReaderFor(data), 128)
	f.HandleRequestResource(wire.RequestResource{Timestamp: 1, RangeStart: 1, RangeEnd: 2}, other)
	require.Equal(t, StateDone, f.State())
	require.Len(t, sent, 1)
	_, ok := sent[0].(wire.Error)
	require.True(t, ok)
}

func TestAckBlockMarksDoneWhenRangeComplete(t *testing.T) {
	clock := clockwork.NewFakeClock()
	data := make([]byte, 10)
	id := resource.ComputeID(data)
	send := func(wire.Packet) error { return nil }
	f := New(testLog(t), clock, send, id, 1, blockReaderFor(data), 128)
	f.HandleRequestResource(wire.RequestResource{Timestamp: 1, SendingRate: 100000, RangeStart: 1, RangeEnd: 2}, id)
	f.HandleAckBlock(wire.AckBlock{BlockID: 1})
	require.False(t, f.Tick())
	require.Equal(t, StateDone, f.State())
}

func TestKeepAliveTimeoutShutsFlowDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	data := make([]byte, 10)
	id := resource.ComputeID(data)
	send := func(wire.Packet) error { return nil }
	f := New(testLog(t), clock, send, id, 1, blockReaderFor(data), 128)
	f.HandleRequestResource(wire.RequestResource{Timestamp: 1, SendingRate: 100000, RangeStart: 1, RangeEnd: 2}, id)

	clock.Advance(5 * time.Second)
	require.False(t, f.Tick())
	require.Equal(t, StateDone, f.State())
}

func TestTFRCGovernsPacingOnceRTTKnown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	data := make([]byte, 2*resource.BlockSize)
	id := resource.ComputeID(data)
	send := func(wire.Packet) error { return nil }

	f := New(testLog(t), clock, send, id, resource.NumBlocks(uint64(len(data))), blockReaderFor(data), 128)
	f.HandleRequestResource(wire.RequestResource{
		Timestamp: 1, SendingRate: 100000, RangeStart: 1, RangeEnd: 3,
	}, id)
	require.NotNil(t, f.tfrcSender)
	require.NotNil(t, f.tfrcReceiver)

	require.True(t, f.Tick())
	require.False(t, f.haveRTT, "no round trip has completed yet")

	clock.Advance(20 * time.Millisecond)
	f.HandleAckBlock(wire.AckBlock{BlockID: 1})
	require.True(t, f.haveRTT)
	require.Equal(t, 20*time.Millisecond, f.rtt)

	initialAllowed := f.tfrcSender.AllowedRate()
	require.True(t, f.Tick())
	require.NotEqual(t, initialAllowed, f.tfrcSender.AllowedRate(),
		"Tick should have fed Receiver.Feedback() into Sender.HandleFeedback once an RTT sample exists")
}

func TestShrinkRangeOpposingDirectionIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	data := make([]byte, 5*300)
	id := resource.ComputeID(data)
	send := func(wire.Packet) error { return nil }
	f := New(testLog(t), clock, send, id, resource.NumBlocks(uint64(len(data))), blockReaderFor(data), 128)
	f.HandleRequestResource(wire.RequestResource{Timestamp: 1, SendingRate: 100000, RangeStart: 1, RangeEnd: 5}, id)

	f.HandleShrinkRange(wire.ShrinkRange{RangeStart: 5, RangeEnd: 1})
	require.Equal(t, uint64(1), f.Range().Start)
	require.Equal(t, uint64(5), f.Range().End)

	f.HandleShrinkRange(wire.ShrinkRange{RangeStart: 2, RangeEnd: 4})
	require.Equal(t, uint64(2), f.Range().Start)
	require.Equal(t, uint64(4), f.Range().End)
}
