package fetcherflow

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cmb-protocol/cmb/internal/fec"
	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/resource"
	"github.com/cmb-protocol/cmb/internal/wire"
)

func testLog(t *testing.T) *logging.Logger {
	t.Helper()
	backend, err := logging.New("DEBUG", false)
	require.NoError(t, err)
	return backend.Get("fetcherflow_test")
}

func dataPacketFor(t *testing.T, blockID uint64, blockBytes []byte, symbolSize int, symIdx int) wire.Data {
	t.Helper()
	enc, err := fec.NewEncoder(testLog(t), blockBytes, symbolSize)
	require.NoError(t, err)
	sym := enc.SourceSymbols()[symIdx]
	header := fec.EncodeHeader(sym.Kind, sym.Index)
	payload := append(append([]byte{}, header[:]...), sym.Payload...)
	return wire.Data{BlockID: blockID, Timestamp: 0, Delay: 0, Symbol: payload}
}

func TestInitialRangeForwardAndReverse(t *testing.T) {
	clock := clockwork.NewFakeClock()
	send := func(wire.Packet) error { return nil }
	f := New(testLog(t), clock, send, nil, nil, resource.ID{}, 5, 128, 100000, false)
	require.Equal(t, uint64(1), f.Range().Start)
	require.Equal(t, uint64(6), f.Range().End)

	r := New(testLog(t), clock, send, nil, nil, resource.ID{}, 5, 128, 100000, true)
	require.Equal(t, uint64(5), r.Range().Start)
	require.Equal(t, uint64(0), r.Range().End)
}

func TestHandleDataDecodesAndAcks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var sent []wire.Packet
	send := func(p wire.Packet) error { sent = append(sent, p); return nil }

	block := make([]byte, 100)
	var delivered []byte
	onBlock := func(blockID uint64, data []byte) { delivered = data }

	f := New(testLog(t), clock, send, onBlock, nil, resource.ComputeID(block), 1, 128, 100000, false)
	sent = nil

	pkt := dataPacketFor(t, 1, block, 128, 0)
	f.HandleData(pkt)

	require.Equal(t, block, delivered)
	var ackSeen bool
	for _, p := range sent {
		if ack, ok := p.(wire.AckBlock); ok && ack.BlockID == 1 {
			ackSeen = true
		}
	}
	require.True(t, ackSeen)
	require.True(t, f.Done(), "single-block forward range should collapse once acked")
}

func TestErrorSurfacesFatal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	send := func(wire.Packet) error { return nil }
	var fatalErr error
	onFatal := func(err error) { fatalErr = err }

	f := New(testLog(t), clock, send, nil, onFatal, resource.ID{}, 1, 128, 100000, false)
	f.HandleError(wire.Error{Code: wire.ErrorResourceNotFound})
	require.Error(t, fatalErr)
	require.True(t, f.Done())
}

func TestOppositeRangeShrinksOnDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var sent []wire.Packet
	send := func(p wire.Packet) error { sent = append(sent, p); return nil }
	f := New(testLog(t), clock, send, nil, nil, resource.ID{}, 5, 128, 100000, false)
	sent = nil

	f.NotifyBlockDelivered(5)
	require.Equal(t, uint64(5), f.Range().End)
	var shrinkSeen bool
	for _, p := range sent {
		if _, ok := p.(wire.ShrinkRange); ok {
			shrinkSeen = true
		}
	}
	require.True(t, shrinkSeen)
}

func TestKeepAliveSentOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var sent []wire.Packet
	send := func(p wire.Packet) error { sent = append(sent, p); return nil }
	f := New(testLog(t), clock, send, nil, nil, resource.ID{}, 5, 128, 100000, false)
	sent = nil

	clock.Advance(MaxHeartbeat + time.Millisecond)
	require.True(t, f.Tick())
	require.Len(t, sent, 1)
	_, ok := sent[0].(wire.RequestResource)
	require.True(t, ok)
}
