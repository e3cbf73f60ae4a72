package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	buf, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(buf)
	require.NoError(t, err)
	return got
}

func TestRoundTripAllKinds(t *testing.T) {
	req := RequestResource{
		Timestamp: 0xABCDEF & 0xFFFFFF, SendingRate: 250000, RangeStart: 1,
		ResourceID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Length:     307200, RangeEnd: 7,
	}
	require.Equal(t, req, roundTrip(t, req))

	data := Data{BlockID: 12345, Timestamp: 999, Delay: 42, Symbol: []byte("fec-symbol-bytes")}
	require.Equal(t, data, roundTrip(t, data))

	ack := AckBlock{BlockID: 6}
	require.Equal(t, ack, roundTrip(t, ack))

	nack := NackBlock{BlockID: 3, PacketsReceived: 2}
	require.Equal(t, nack, roundTrip(t, nack))

	shrink := ShrinkRange{RangeStart: 2, RangeEnd: 5}
	require.Equal(t, shrink, roundTrip(t, shrink))

	errPkt := Error{Code: ErrorResourceNotFound}
	require.Equal(t, errPkt, roundTrip(t, errPkt))
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte{0xAB, 0xCD, 0, 0})
	require.Error(t, err)
}

func TestDecodeRejectsBadLength(t *testing.T) {
	buf, err := Encode(AckBlock{BlockID: 1})
	require.NoError(t, err)
	_, err = Decode(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestDataSymbolBoundary(t *testing.T) {
	d := Data{BlockID: 1, Timestamp: 0, Delay: 0, Symbol: []byte{}}
	got := roundTrip(t, d).(Data)
	require.Equal(t, uint64(1), got.BlockID)
	require.Empty(t, got.Symbol)
}
