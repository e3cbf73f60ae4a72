package coordinator

import (
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cmb-protocol/cmb/internal/fetcherflow"
	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/resource"
	"github.com/cmb-protocol/cmb/internal/wire"
)

func testLog(t *testing.T) *logging.Logger {
	t.Helper()
	backend, err := logging.New("DEBUG", false)
	require.NoError(t, err)
	return backend.Get("coordinator_test")
}

func TestCompletesAndVerifiesHash(t *testing.T) {
	data := []byte("hello")
	id := resource.ComputeID(data)

	var gotData []byte
	var gotErr error
	c := New(testLog(t), id, 1, 1, func(d []byte, err error) {
		gotData, gotErr = d, err
	})

	c.handleBlock(0, 1, data)
	c.MarkFlowDone(0)

	require.NoError(t, gotErr)
	require.Equal(t, data, gotData)
}

func TestHashMismatchSurfacesError(t *testing.T) {
	real := resource.ComputeID([]byte("hello"))
	bogus := resource.ID{Hash: real.Hash, Length: real.Length}

	var gotErr error
	c := New(testLog(t), bogus, 1, 1, func(d []byte, err error) {
		gotErr = err
	})
	c.handleBlock(0, 1, []byte("wrong"))
	c.MarkFlowDone(0)
	require.Error(t, gotErr)
}

func TestFatalFromOneFlowShortCircuits(t *testing.T) {
	id := resource.ID{}
	var gotErr error
	c := New(testLog(t), id, 2, 2, func(d []byte, err error) {
		gotErr = err
	})
	c.handleFatal(0, errors.New("resource not found"))
	require.Error(t, gotErr)
}

func TestSendStopNotifiesOtherFlow(t *testing.T) {
	data := make([]byte, 2*resource.BlockSize)
	id := resource.ComputeID(data)
	c := New(testLog(t), id, 2, 2, func(d []byte, err error) {})

	clock := clockwork.NewFakeClock()
	noopSend := func(wire.Packet) error { return nil }
	fwd := fetcherflow.New(testLog(t), clock, noopSend, c.OnBlock(0), c.OnFatal(0), id, 2, 128, 100000, false)
	rev := fetcherflow.New(testLog(t), clock, noopSend, c.OnBlock(1), c.OnFatal(1), id, 2, 128, 100000, true)
	c.RegisterFlow(0, fwd)
	c.RegisterFlow(1, rev)

	require.Equal(t, uint64(0), rev.Range().End)
	c.handleBlock(0, 1, data[:resource.BlockSize])
	require.Equal(t, uint64(1), rev.Range().End, "reverse flow's range_end should shrink past block 1 once the forward flow delivers it")
}
