package fec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmb-protocol/cmb/internal/logging"
)

func testLog(t *testing.T) *logging.Logger {
	t.Helper()
	backend, err := logging.New("DEBUG", false)
	require.NoError(t, err)
	return backend.Get("fec_test")
}

func TestEncodeDecodeSourceOnly(t *testing.T) {
	data := make([]byte, 513) // spans 3 symbols at symbolSize=256, the last holding one byte
	rand.New(rand.NewSource(1)).Read(data)

	enc, err := NewEncoder(testLog(t), data, 256)
	require.NoError(t, err)

	dec, err := NewDecoder(len(data), 256)
	require.NoError(t, err)

	for _, sym := range enc.SourceSymbols() {
		dec.Add(sym)
	}
	out, ok := dec.Decode()
	require.True(t, ok)
	require.Equal(t, data, out)
}

func TestDecodeWithErasuresUsingRepair(t *testing.T) {
	data := make([]byte, 5000)
	rand.New(rand.NewSource(2)).Read(data)

	enc, err := NewEncoder(testLog(t), data, 256)
	require.NoError(t, err)
	dec, err := NewDecoder(len(data), 256)
	require.NoError(t, err)

	src := enc.SourceSymbols()
	// drop 2 of the source symbols, backfill with repair symbols.
	dropped := map[int]bool{0: true, 3: true}
	for i, sym := range src {
		if dropped[i] {
			continue
		}
		dec.Add(sym)
	}
	_, ok := dec.Decode()
	require.False(t, ok, "should not decode with missing shards and no repair yet")

	rep := enc.RepairSymbols()
	dec.Add(rep.Next())
	dec.Add(rep.Next())

	out, ok := dec.Decode()
	require.True(t, ok)
	require.Equal(t, data, out)
}

func TestRepairIteratorCyclesWhenExhausted(t *testing.T) {
	data := make([]byte, 256)
	enc, err := NewEncoder(testLog(t), data, 256)
	require.NoError(t, err)
	require.Equal(t, 1, enc.MinimumSymbols())

	rep := enc.RepairSymbols()
	first := rep.Next()
	for i := 0; i < enc.parityShards; i++ {
		rep.Next()
	}
	wrapped := rep.Next()
	require.Equal(t, first.Payload, wrapped.Payload)
}

func TestDuplicateAddDoesNotCount(t *testing.T) {
	data := make([]byte, 256)
	enc, err := NewEncoder(testLog(t), data, 256)
	require.NoError(t, err)
	dec, err := NewDecoder(len(data), 256)
	require.NoError(t, err)

	sym := enc.SourceSymbols()[0]
	require.True(t, dec.Add(sym))
	require.False(t, dec.Add(sym))
	require.Equal(t, 1, dec.Received())
}
