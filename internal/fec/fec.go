// Package fec implements the per-block FEC codec contract of spec §4.4
// behind github.com/klauspost/reedsolomon, grounded on the shard-based FEC
// layer in kcp-go's fec.go (reedsolomon.New(dataShards, parityShards) plus
// a fixed-size shard cache, Encode filling the parity shards once all data
// shards are known, Reconstruct recovering from any sufficient subset).
//
// Reed-Solomon parity shards are a fixed-size set, not truly unbounded, so
// RepairIterator approximates the spec's "infinite lazy sequence" by
// cycling through the fixed parity set once it is exhausted; duplicate
// repair symbols carry no new erasure-coding information but are harmless
// to re-send (the decoder just sees the same shard value again). In
// practice the repair_count computed by the Provider (spec §4.6) never
// approaches the parity set size, so this only matters under far heavier
// loss than the seed tests exercise.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/cmb-protocol/cmb/internal/logging"
)

// Kind distinguishes source symbols from repair symbols on the wire; the
// codec header encodes it so a decoder can self-identify each symbol
// (spec §3 "self-identifying under the codec").
type Kind uint8

const (
	KindSource Kind = 0
	KindRepair Kind = 1
)

// HeaderSize is the size of the codec header every symbol carries.
const HeaderSize = 4

// Symbol is one FEC output unit: a codec header (kind + index) plus its
// payload. Payload is always symbolSize bytes.
type Symbol struct {
	Kind    Kind
	Index   int // source: shard index in [0,minimum_symbols); repair: offset, unbounded
	Payload []byte
}

// EncodeHeader writes the 4-byte self-identifying header for a symbol of
// the given kind and index.
func EncodeHeader(kind Kind, index int) [HeaderSize]byte {
	var h [HeaderSize]byte
	h[0] = byte(kind)
	h[1] = byte(index >> 16)
	h[2] = byte(index >> 8)
	h[3] = byte(index)
	return h
}

// DecodeHeader parses a 4-byte codec header.
func DecodeHeader(h []byte) (kind Kind, index int) {
	kind = Kind(h[0])
	index = int(h[1])<<16 | int(h[2])<<8 | int(h[3])
	return
}

func dataShardsFor(blockSize, symbolSize int) int {
	if blockSize <= 0 {
		return 1
	}
	n := (blockSize + symbolSize - 1) / symbolSize
	if n < 1 {
		n = 1
	}
	return n
}

func parityShardsFor(dataShards int) int {
	p := dataShards
	if p > 255-dataShards {
		p = 255 - dataShards
	}
	if p < 1 {
		p = 1
	}
	return p
}

// Encoder generates source and repair symbols for one block.
type Encoder struct {
	symbolSize   int
	dataShards   int
	parityShards int
	codec        reedsolomon.Encoder
	shards       [][]byte // len == dataShards+parityShards once parity is computed
	parityReady  bool
	log          *logging.Logger
}

// NewEncoder pads blockBytes to a symbolSize multiple and prepares an
// encoder capable of producing its source symbols immediately and its
// repair symbols on first request. log receives a diagnostic if the
// underlying codec ever reports an encode error.
func NewEncoder(log *logging.Logger, blockBytes []byte, symbolSize int) (*Encoder, error) {
	dataShards := dataShardsFor(len(blockBytes), symbolSize)
	parityShards := parityShardsFor(dataShards)
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder: %w", err)
	}
	shards := make([][]byte, dataShards)
	for i := 0; i < dataShards; i++ {
		shard := make([]byte, symbolSize)
		start := i * symbolSize
		end := start + symbolSize
		if start < len(blockBytes) {
			copy(shard, blockBytes[start:min(end, len(blockBytes))])
		}
		shards[i] = shard
	}
	return &Encoder{
		symbolSize:   symbolSize,
		dataShards:   dataShards,
		parityShards: parityShards,
		codec:        codec,
		shards:       shards,
		log:          log,
	}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MinimumSymbols is the number of symbols required to decode the block.
func (e *Encoder) MinimumSymbols() int { return e.dataShards }

// SourceSymbols returns the block's source symbols, in order, exactly
// once per call (spec §4.4).
func (e *Encoder) SourceSymbols() []Symbol {
	out := make([]Symbol, e.dataShards)
	for i := 0; i < e.dataShards; i++ {
		payload := make([]byte, e.symbolSize)
		copy(payload, e.shards[i])
		out[i] = Symbol{Kind: KindSource, Index: i, Payload: payload}
	}
	return out
}

func (e *Encoder) ensureParity() {
	if e.parityReady {
		return
	}
	all := make([][]byte, e.dataShards+e.parityShards)
	copy(all, e.shards)
	for i := e.dataShards; i < len(all); i++ {
		all[i] = make([]byte, e.symbolSize)
	}
	// Encode only fails on malformed shard shapes, which cannot happen
	// here since every shard is exactly symbolSize bytes.
	if err := e.codec.Encode(all); err != nil {
		e.log.Errorf("fec: parity encode: %v", err)
	}
	e.shards = all
	e.parityReady = true
}

// RepairIterator yields repair symbols in a well-defined order (spec
// §4.4). Construct via Encoder.RepairSymbols.
type RepairIterator struct {
	enc    *Encoder
	offset int
}

// RepairSymbols returns a fresh, infinite repair-symbol iterator.
func (e *Encoder) RepairSymbols() *RepairIterator {
	e.ensureParity()
	return &RepairIterator{enc: e}
}

// Next returns the next repair symbol and advances the iterator.
func (r *RepairIterator) Next() Symbol {
	idx := r.offset % r.enc.parityShards
	payload := make([]byte, r.enc.symbolSize)
	copy(payload, r.enc.shards[r.enc.dataShards+idx])
	sym := Symbol{Kind: KindRepair, Index: r.offset, Payload: payload}
	r.offset++
	return sym
}

// Decoder accumulates symbols for one block and reconstructs it once a
// sufficient subset has arrived. Stateful: Add/Decode may be called
// repeatedly as symbols trickle in.
type Decoder struct {
	blockSize    int
	symbolSize   int
	dataShards   int
	parityShards int
	codec        reedsolomon.Encoder
	shards       [][]byte
	present      int
}

// NewDecoder prepares a decoder for a block of blockSize bytes encoded
// with the given symbolSize -- both must match what NewEncoder used.
func NewDecoder(blockSize, symbolSize int) (*Decoder, error) {
	dataShards := dataShardsFor(blockSize, symbolSize)
	parityShards := parityShardsFor(dataShards)
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new decoder: %w", err)
	}
	return &Decoder{
		blockSize:    blockSize,
		symbolSize:   symbolSize,
		dataShards:   dataShards,
		parityShards: parityShards,
		codec:        codec,
		shards:       make([][]byte, dataShards+parityShards),
	}, nil
}

// MinimumSymbols mirrors Encoder.MinimumSymbols for the same block.
func (d *Decoder) MinimumSymbols() int { return d.dataShards }

// Add feeds one received symbol into the decoder. Returns true if this
// symbol occupied a previously-empty shard slot (i.e. it counted toward
// decoding progress).
func (d *Decoder) Add(sym Symbol) bool {
	var slot int
	switch sym.Kind {
	case KindSource:
		if sym.Index < 0 || sym.Index >= d.dataShards {
			return false
		}
		slot = sym.Index
	case KindRepair:
		slot = d.dataShards + sym.Index%d.parityShards
	default:
		return false
	}
	if d.shards[slot] != nil {
		return false
	}
	payload := make([]byte, d.symbolSize)
	copy(payload, sym.Payload)
	d.shards[slot] = payload
	d.present++
	return true
}

// Received reports how many distinct shard slots have been filled so far
// (spec's "packets_received").
func (d *Decoder) Received() int { return d.present }

// Decode attempts to reconstruct the block from the symbols accumulated
// so far. Returns (bytes, true) once enough symbols have arrived, else
// (nil, false). Safe to call repeatedly as more symbols are Added.
func (d *Decoder) Decode() ([]byte, bool) {
	if d.present < d.dataShards {
		return nil, false
	}
	work := make([][]byte, len(d.shards))
	copy(work, d.shards)
	haveAllData := true
	for i := 0; i < d.dataShards; i++ {
		if work[i] == nil {
			haveAllData = false
			break
		}
	}
	if !haveAllData {
		if err := d.codec.Reconstruct(work); err != nil {
			return nil, false
		}
	}
	out := make([]byte, 0, d.dataShards*d.symbolSize)
	for i := 0; i < d.dataShards; i++ {
		out = append(out, work[i]...)
	}
	if len(out) > d.blockSize {
		out = out[:d.blockSize]
	}
	return out, true
}
