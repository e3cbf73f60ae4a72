// Package fetcherflow implements the Fetcher per-flow state machine of
// spec §4.5: the keep-alive loop, RTT smoothing, NACK generation, head-
// of-line advancement and opposite-range shrinking. Grounded on
// katzenpost-client/session/session.go's single-writer goroutine
// discipline (every Handle*/Tick/Notify* method here is meant to be
// invoked from one goroutine per flow) and session/arq.go's RTT-style
// smoothing idiom.
package fetcherflow

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cmb-protocol/cmb/internal/blockrange"
	"github.com/cmb-protocol/cmb/internal/fec"
	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/protoerr"
	"github.com/cmb-protocol/cmb/internal/resource"
	"github.com/cmb-protocol/cmb/internal/seqnum"
	"github.com/cmb-protocol/cmb/internal/wire"
)

// MaxHeartbeat is MAX_HEARTBEAT_INTERVAL (spec §6 Constants).
const MaxHeartbeat = 250 * time.Millisecond

// SchedulingGranularity floors the keep-alive interval (spec §4.5).
const SchedulingGranularity = time.Millisecond

type pendingBlock struct {
	decoder         *fec.Decoder
	packetsReceived int
	lastNackTime    time.Time
}

// Flow is one Fetcher-side flow: one peer, one direction, one range.
type Flow struct {
	log   *logging.Logger
	clock clockwork.Clock
	send  func(wire.Packet) error

	onBlock func(blockID uint64, data []byte)
	onFatal func(error)

	resourceID resource.ID
	symbolSize int
	sendingRate uint32

	rng blockrange.Range

	acknowledged   map[uint64]time.Time
	pending        map[uint64]*pendingBlock
	deliveredOther map[uint64]bool

	haveRTT bool
	rtt     time.Duration

	origin            time.Time
	lastKeepAliveSent time.Time
	fatal             bool
}

// New creates a Fetcher-side flow. reverse selects the initial range per
// spec §4.5: "range_start = last_block (reverse) or 1 (forward);
// range_end = 0 or last_block+1 respectively."
func New(log *logging.Logger, clock clockwork.Clock, send func(wire.Packet) error,
	onBlock func(blockID uint64, data []byte), onFatal func(error),
	resourceID resource.ID, numBlocks uint64, symbolSize int, sendingRate uint32, reverse bool) *Flow {
	var rng blockrange.Range
	if reverse {
		rng = blockrange.Range{Start: numBlocks, End: 0}
	} else {
		rng = blockrange.Range{Start: 1, End: numBlocks + 1}
	}
	f := &Flow{
		log:            log,
		clock:          clock,
		send:           send,
		onBlock:        onBlock,
		onFatal:        onFatal,
		resourceID:     resourceID,
		symbolSize:     symbolSize,
		sendingRate:    sendingRate,
		rng:            rng,
		acknowledged:   make(map[uint64]time.Time),
		pending:        make(map[uint64]*pendingBlock),
		deliveredOther: make(map[uint64]bool),
		origin:         clock.Now(),
	}
	f.sendKeepAlive(clock.Now())
	return f
}

// Range reports the flow's current directed range.
func (f *Flow) Range() blockrange.Range { return f.rng }

// Done reports whether the flow has finished (range collapsed, or fatal
// error surfaced).
func (f *Flow) Done() bool { return f.rng.Empty() || f.fatal }

func (f *Flow) timestampNow() seqnum.Timestamp {
	return seqnum.NewTimestamp(uint32(f.clock.Now().Sub(f.origin).Milliseconds()))
}

func (f *Flow) mssOverRate() time.Duration {
	rate := f.sendingRate
	if rate == 0 {
		rate = 1
	}
	return time.Duration(float64(f.symbolSize) / float64(rate) * float64(time.Second))
}

// keepAliveInterval implements spec §4.5's "min(max(4*MSS/rate,
// granularity), MAX_HEARTBEAT) when RTT known; MAX_HEARTBEAT otherwise."
func (f *Flow) keepAliveInterval() time.Duration {
	if !f.haveRTT {
		return MaxHeartbeat
	}
	d := 4 * f.mssOverRate()
	if d < SchedulingGranularity {
		d = SchedulingGranularity
	}
	if d > MaxHeartbeat {
		d = MaxHeartbeat
	}
	return d
}

func (f *Flow) sendKeepAlive(now time.Time) {
	f.lastKeepAliveSent = now
	f.send(wire.RequestResource{
		Timestamp:   uint32(f.timestampNow()),
		SendingRate: f.sendingRate,
		RangeStart:  f.rng.Start,
		ResourceID:  f.resourceID.Hash,
		Length:      f.resourceID.Length,
		RangeEnd:    f.rng.End,
	})
}

// Tick drives the keep-alive loop. Callers invoke it periodically (at
// least every SchedulingGranularity) from the flow's own goroutine.
// Returns false once the flow has finished.
func (f *Flow) Tick() bool {
	if f.Done() {
		return false
	}
	now := f.clock.Now()
	if now.Sub(f.lastKeepAliveSent) >= f.keepAliveInterval() {
		f.sendKeepAlive(now)
	}
	return true
}

// HandleError processes an inbound Error (spec §4.5).
func (f *Flow) HandleError(pkt wire.Error) {
	if pkt.Code == wire.ErrorResourceNotFound {
		f.fatal = true
		if f.onFatal != nil {
			f.onFatal(protoerr.ErrResourceNotFound)
		}
	}
}

// HandleData processes an inbound Data packet (spec §4.5).
func (f *Flow) HandleData(pkt wire.Data) {
	now := f.clock.Now()
	f.updateRTT(now, pkt.Timestamp, pkt.Delay)

	if ackTime, acked := f.acknowledged[pkt.BlockID]; acked {
		if now.Sub(ackTime) > 4*f.rtt {
			f.acknowledged[pkt.BlockID] = now
			f.send(wire.AckBlock{BlockID: pkt.BlockID})
		}
		return
	}
	if !f.rng.Contains(pkt.BlockID) {
		return
	}
	if len(pkt.Symbol) < fec.HeaderSize {
		f.log.Debugf("Data(block=%d): symbol shorter than codec header", pkt.BlockID)
		return
	}

	pb, ok := f.pending[pkt.BlockID]
	if !ok {
		blockSize := resource.BlockSizeFor(f.resourceID.Length, pkt.BlockID)
		dec, err := fec.NewDecoder(blockSize, f.symbolSize)
		if err != nil {
			f.log.Errorf("Data(block=%d): new decoder: %v", pkt.BlockID, err)
			return
		}
		pb = &pendingBlock{decoder: dec}
		f.pending[pkt.BlockID] = pb
	}

	kind, index := fec.DecodeHeader(pkt.Symbol[:fec.HeaderSize])
	sym := fec.Symbol{Kind: kind, Index: index, Payload: pkt.Symbol[fec.HeaderSize:]}
	if pb.decoder.Add(sym) {
		pb.packetsReceived++
	}

	f.maybeNack(pkt.BlockID, now)

	out, decoded := pb.decoder.Decode()
	if !decoded {
		return
	}
	delete(f.pending, pkt.BlockID)
	f.acknowledged[pkt.BlockID] = now
	f.send(wire.AckBlock{BlockID: pkt.BlockID})
	if f.onBlock != nil {
		f.onBlock(pkt.BlockID, out)
	}
	f.advanceHeadOfLine()
}

func (f *Flow) updateRTT(now time.Time, echoedTimestamp uint32, delayMs uint16) {
	sampleMs := int64(f.timestampNow().Sub(seqnum.NewTimestamp(echoedTimestamp)))
	sample := time.Duration(sampleMs)*time.Millisecond - time.Duration(delayMs)*time.Millisecond
	if sample < 0 {
		sample = 0
	}
	if !f.haveRTT {
		f.rtt = sample
		f.haveRTT = true
		return
	}
	f.rtt = time.Duration(0.9*float64(f.rtt) + 0.1*float64(sample))
}

// maybeNack implements spec §4.5's NACK generation rule: for every
// earlier in-flight block strictly between range_start and b, emit a
// NackBlock if it has had enough time/symbols to plausibly be lost and
// hasn't been NACK'd too recently.
func (f *Flow) maybeNack(b uint64, now time.Time) {
	window := 4*f.rtt + f.mssOverRate()
	db := f.rng.Distance(b)
	for id, pb := range f.pending {
		if id == b {
			continue
		}
		d := f.rng.Distance(id)
		if d == 0 || d >= db {
			continue
		}
		diff := int64(b) - int64(id)
		if diff < 0 {
			diff = -diff
		}
		if diff < 2 && pb.packetsReceived < 3 {
			continue
		}
		if !pb.lastNackTime.IsZero() && now.Sub(pb.lastNackTime) <= window {
			continue
		}
		pb.lastNackTime = now
		f.send(wire.NackBlock{BlockID: id, PacketsReceived: uint16(pb.packetsReceived)})
	}
}

// advanceHeadOfLine implements spec §4.5's head-of-line advancement: when
// the block at range_start is acknowledged, step range_start toward
// range_end, absorbing any already-acknowledged contiguous blocks
// accumulated out of order.
func (f *Flow) advanceHeadOfLine() {
	for !f.rng.Empty() {
		if _, acked := f.acknowledged[f.rng.Start]; !acked {
			break
		}
		f.rng.Start = f.rng.Step(f.rng.Start)
	}
}

// NotifyBlockDelivered tells this flow that blockID has been delivered
// (by either flow) to the coordinator's block store, so this flow can
// shrink its range_end past it once it reaches the far boundary (spec
// §4.5 "opposite-range shrinking").
func (f *Flow) NotifyBlockDelivered(blockID uint64) {
	f.deliveredOther[blockID] = true
	f.advanceOppositeRange()
}

func (f *Flow) advanceOppositeRange() {
	moved := false
	for !f.rng.Empty() {
		last := f.rng.LastID()
		if !f.deliveredOther[last] {
			break
		}
		f.rng = f.rng.ShrinkEnd(last)
		moved = true
	}
	if !moved {
		return
	}
	f.send(wire.ShrinkRange{RangeStart: f.rng.Start, RangeEnd: f.rng.End})
}
