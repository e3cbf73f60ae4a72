// Package providerflow implements the Provider per-flow state machine of
// spec §4.6: the new -> connected -> done lifecycle, the NACK priority
// queue, range shrinking, and the combined repair/source/preemptive-repair
// send generator. Grounded on katzenpost-client/session/session.go's
// opCh-serialized single-writer goroutine discipline (here, callers are
// required to serialize every Handle*/Tick call on a flow; cmd/cmb does
// so under one mutex per endpoint) and session/arq.go's use of
// github.com/katzenpost/core/queue for
// the NACK heap.
package providerflow

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/queue"

	"github.com/cmb-protocol/cmb/internal/blockrange"
	"github.com/cmb-protocol/cmb/internal/fec"
	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/resource"
	"github.com/cmb-protocol/cmb/internal/seqnum"
	"github.com/cmb-protocol/cmb/internal/tfrc"
	"github.com/cmb-protocol/cmb/internal/wire"
)

// State is the provider flow's lifecycle state (spec §4.6).
type State int

const (
	StateNew State = iota
	StateConnected
	StateDone
)

// MaxHeartbeat is MAX_HEARTBEAT_INTERVAL (spec §6 Constants).
const MaxHeartbeat = 250 * time.Millisecond

// KeepAliveTimeout is the 4 x MAX_HEARTBEAT_INTERVAL window (spec §5).
const KeepAliveTimeout = 4 * MaxHeartbeat

// SchedulingGranularity bounds the sender loop's busy-poll step (spec §4.6).
const SchedulingGranularity = time.Millisecond

// BlockReader reads the raw bytes of one 1-based block id from the served
// file. Out of scope for this component (spec §1): an external collaborator.
type BlockReader func(blockID uint64) ([]byte, error)

// minRepairCount is the repair_count floor of spec §4.6 ("max(2, ...)").
const minRepairCount = 2

type nackEntry struct {
	blockID   uint64
	remaining int
}

// Flow is one Provider-side flow: one peer, one direction, one range.
type Flow struct {
	log   *logging.Logger
	clock clockwork.Clock
	send  func(wire.Packet) error

	resourceID resource.ID
	numBlocks  uint64
	readBlock  BlockReader
	symbolSize int

	state State
	rng   blockrange.Range

	sendingRate          uint32
	lastClientTimestamp  seqnum.Timestamp
	keepAliveReceivedAt  time.Time
	lastKeepAliveWall    time.Time
	acknowledged         map[uint64]bool

	encoders map[uint64]*fec.Encoder

	nackHeap    *queue.PriorityQueue
	nackEntries map[uint64]*nackEntry

	sourceCursor   uint64
	sourceStarted  bool
	sourceSymIdx   int
	preemptCursor  uint64
	preemptStarted bool
	repairIters    map[uint64]*fec.RepairIterator

	sendTime time.Time

	pendingSentAt map[uint64]time.Time
	haveRTT       bool
	rtt           time.Duration

	tfrcSender   *tfrc.Sender
	tfrcReceiver *tfrc.Receiver
}

// New creates a provider-side flow for resourceID, not yet connected.
func New(log *logging.Logger, clock clockwork.Clock, send func(wire.Packet) error,
	resourceID resource.ID, numBlocks uint64, readBlock BlockReader, symbolSize int) *Flow {
	return &Flow{
		log:           log,
		clock:         clock,
		send:          send,
		resourceID:    resourceID,
		numBlocks:     numBlocks,
		readBlock:     readBlock,
		symbolSize:    symbolSize,
		state:         StateNew,
		acknowledged:  make(map[uint64]bool),
		encoders:      make(map[uint64]*fec.Encoder),
		nackHeap:      queue.New(),
		nackEntries:   make(map[uint64]*nackEntry),
		repairIters:   make(map[uint64]*fec.RepairIterator),
		pendingSentAt: make(map[uint64]time.Time),
	}
}

// State reports the flow's current lifecycle state.
func (f *Flow) State() State { return f.state }

// Range reports the flow's current directed range.
func (f *Flow) Range() blockrange.Range { return f.rng }

// HandleRequestResource processes an inbound RequestResource (spec §4.6).
func (f *Flow) HandleRequestResource(pkt wire.RequestResource, peerResourceID resource.ID) {
	if !peerResourceID.Equal(f.resourceID) {
		f.send(wire.Error{Code: wire.ErrorResourceNotFound})
		f.state = StateDone
		return
	}

	f.lastClientTimestamp = seqnum.NewTimestamp(pkt.Timestamp)
	f.keepAliveReceivedAt = f.clock.Now()
	f.lastKeepAliveWall = f.clock.Now()
	f.sendingRate = pkt.SendingRate

	switch f.state {
	case StateNew:
		f.rng = blockrange.Range{Start: pkt.RangeStart, End: pkt.RangeEnd}
		f.state = StateConnected
		f.sendTime = f.clock.Now()
		f.tfrcSender = tfrc.NewSender(f.clock, f.symbolSize)
		f.tfrcReceiver = tfrc.NewReceiver(f.clock)
	case StateConnected:
		f.shrinkRange(pkt.RangeStart, pkt.RangeEnd)
	case StateDone:
		// flow already finished; ignore further requests.
	}
}

// HandleAckBlock processes an inbound AckBlock (spec §4.6).
func (f *Flow) HandleAckBlock(pkt wire.AckBlock) {
	f.acknowledged[pkt.BlockID] = true
	if sentAt, ok := f.pendingSentAt[pkt.BlockID]; ok {
		f.updateRTT(f.clock.Now().Sub(sentAt))
		delete(f.pendingSentAt, pkt.BlockID)
	}
	if f.tfrcReceiver != nil && pkt.BlockID >= 1 && pkt.BlockID <= f.numBlocks {
		f.tfrcReceiver.OnAck(resource.BlockSizeFor(f.lengthOf(), pkt.BlockID))
	}
	delete(f.encoders, pkt.BlockID)
	delete(f.repairIters, pkt.BlockID)
}

// updateRTT smooths a round-trip sample (the time between sending a Data
// packet for a block and that block's AckBlock arriving) and feeds it to
// the TFRC receiver, which needs an RTT estimate to space loss events
// (spec §4.8) and to let the paired Sender recover a real RTT out of the
// colocated Feedback call (see tfrc.Receiver.Feedback).
func (f *Flow) updateRTT(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	if !f.haveRTT {
		f.rtt = sample
		f.haveRTT = true
	} else {
		f.rtt = time.Duration(0.9*float64(f.rtt) + 0.1*float64(sample))
	}
	if f.tfrcReceiver != nil {
		f.tfrcReceiver.SetRTT(f.rtt)
	}
}

// HandleNackBlock processes an inbound NackBlock (spec §4.6).
func (f *Flow) HandleNackBlock(pkt wire.NackBlock) {
	if f.tfrcReceiver != nil {
		f.tfrcReceiver.OnNack()
	}
	if f.acknowledged[pkt.BlockID] {
		return
	}
	if _, pending := f.nackEntries[pkt.BlockID]; pending {
		return
	}
	minimum := f.minimumSymbolsFor(pkt.BlockID)
	repairCount := minimum - int(pkt.PacketsReceived)
	if repairCount < minRepairCount {
		repairCount = minRepairCount
	}
	entry := &nackEntry{blockID: pkt.BlockID, remaining: repairCount}
	f.nackEntries[pkt.BlockID] = entry
	f.nackHeap.Enqueue(uint64(f.rng.DistanceToEnd(pkt.BlockID)), entry)
}

// HandleShrinkRange processes an inbound ShrinkRange (spec §4.6).
func (f *Flow) HandleShrinkRange(pkt wire.ShrinkRange) {
	f.shrinkRange(pkt.RangeStart, pkt.RangeEnd)
}

// shrinkRange implements spec §4.6's shrink_range: tighten monotonically
// if the fetcher's update agrees with this flow's direction, ignore (with
// a log) if it opposes it, and collapse to a point if the new range is
// empty.
func (f *Flow) shrinkRange(newStart, newEnd uint64) {
	start, end, empty := blockrange.Collapse(newStart, newEnd)
	if empty {
		f.rng.Start, f.rng.End = start, start
		return
	}
	candidate := blockrange.Range{Start: start, End: end}
	if candidate.Reverse() != f.rng.Reverse() && !f.rng.Empty() {
		f.log.Debugf("shrink_range: ignoring opposing-direction update start=%d end=%d", newStart, newEnd)
		return
	}
	f.rng = f.rng.ShrinkStart(start)
	f.rng = f.rng.ShrinkEnd(end)
}

func (f *Flow) minimumSymbolsFor(blockID uint64) int {
	if enc, ok := f.encoders[blockID]; ok {
		return enc.MinimumSymbols()
	}
	return int((resource.BlockSizeFor(f.lengthOf(), blockID) + f.symbolSize - 1) / f.symbolSize)
}

func (f *Flow) lengthOf() uint64 { return f.resourceID.Length }

func (f *Flow) encoderFor(blockID uint64) (*fec.Encoder, error) {
	if enc, ok := f.encoders[blockID]; ok {
		return enc, nil
	}
	raw, err := f.readBlock(blockID)
	if err != nil {
		return nil, err
	}
	enc, err := fec.NewEncoder(f.log, raw, f.symbolSize)
	if err != nil {
		return nil, err
	}
	f.encoders[blockID] = enc
	return enc, nil
}

// done reports whether every block in the current (possibly shrunk) range
// has been acknowledged or the range has collapsed (spec §4.6 generator
// terminus).
func (f *Flow) done() bool {
	if f.rng.Empty() {
		return true
	}
	for id := f.rng.Start; f.rng.Contains(id); id = f.rng.Step(id) {
		if !f.acknowledged[id] {
			return false
		}
	}
	return true
}

// nextPacket advances the combined generator (spec §4.6) by exactly one
// step, returning the Data payload to send, or ok=false if nothing is
// currently sendable (generator exhausted and no repair work pending).
func (f *Flow) nextPacket() (blockID uint64, symbol fec.Symbol, ok bool) {
	if blockID, symbol, ok = f.nextFromNackHeap(); ok {
		return
	}
	if blockID, symbol, ok = f.nextFromSourcePhase(); ok {
		return
	}
	return f.nextFromPreemptiveRepair()
}

func (f *Flow) nextFromNackHeap() (uint64, fec.Symbol, bool) {
	for {
		entry := f.nackHeap.Peek()
		if entry == nil {
			return 0, fec.Symbol{}, false
		}
		ne := entry.Value.(*nackEntry)
		if f.acknowledged[ne.blockID] || !f.rng.Contains(ne.blockID) {
			f.nackHeap.Pop()
			delete(f.nackEntries, ne.blockID)
			continue
		}
		f.nackHeap.Pop()
		enc, err := f.encoderFor(ne.blockID)
		if err != nil {
			f.log.Errorf("nack repair: read block %d: %v", ne.blockID, err)
			delete(f.nackEntries, ne.blockID)
			continue
		}
		sym := f.repairIterFor(ne.blockID, enc).Next()
		ne.remaining--
		if ne.remaining > 0 {
			f.nackHeap.Enqueue(uint64(f.rng.DistanceToEnd(ne.blockID)), ne)
		} else {
			delete(f.nackEntries, ne.blockID)
		}
		return ne.blockID, sym, true
	}
}

func (f *Flow) repairIterFor(blockID uint64, enc *fec.Encoder) *fec.RepairIterator {
	it, ok := f.repairIters[blockID]
	if !ok {
		it = enc.RepairSymbols()
		f.repairIters[blockID] = it
	}
	return it
}

func (f *Flow) nextFromSourcePhase() (uint64, fec.Symbol, bool) {
	if !f.sourceStarted {
		f.sourceCursor = f.rng.Start
		f.sourceSymIdx = 0
		f.sourceStarted = true
	}
	for f.rng.Contains(f.sourceCursor) {
		if f.acknowledged[f.sourceCursor] {
			f.sourceCursor = f.rng.Step(f.sourceCursor)
			f.sourceSymIdx = 0
			continue
		}
		enc, err := f.encoderFor(f.sourceCursor)
		if err != nil {
			f.log.Errorf("source phase: read block %d: %v", f.sourceCursor, err)
			f.sourceCursor = f.rng.Step(f.sourceCursor)
			f.sourceSymIdx = 0
			continue
		}
		symbols := enc.SourceSymbols()
		if f.sourceSymIdx >= len(symbols) {
			f.sourceCursor = f.rng.Step(f.sourceCursor)
			f.sourceSymIdx = 0
			continue
		}
		sym := symbols[f.sourceSymIdx]
		id := f.sourceCursor
		f.sourceSymIdx++
		return id, sym, true
	}
	return 0, fec.Symbol{}, false
}

func (f *Flow) nextFromPreemptiveRepair() (uint64, fec.Symbol, bool) {
	if f.rng.Empty() {
		return 0, fec.Symbol{}, false
	}
	if !f.preemptStarted {
		f.preemptCursor = f.rng.Start
		f.preemptStarted = true
	}
	for i := uint64(0); i < f.rng.Len(); i++ {
		id := f.preemptCursor
		f.preemptCursor = f.rng.Step(f.preemptCursor)
		if !f.rng.Contains(f.preemptCursor) {
			f.preemptCursor = f.rng.Start
		}
		if f.acknowledged[id] {
			continue
		}
		enc, err := f.encoderFor(id)
		if err != nil {
			f.log.Errorf("preemptive repair: read block %d: %v", id, err)
			continue
		}
		sym := f.repairIterFor(id, enc).Next()
		return id, sym, true
	}
	return 0, fec.Symbol{}, false
}

// Tick drives the sender loop by one step (spec §4.6). Callers invoke it
// repeatedly (e.g. from a transport read/write loop) from the flow's own
// goroutine. Returns false once the flow should be torn down (keep-alive
// timeout or completion).
func (f *Flow) Tick() bool {
	if f.state != StateConnected {
		return f.state == StateNew
	}
	now := f.clock.Now()
	if now.Sub(f.lastKeepAliveWall) > 4*MaxHeartbeat {
		f.state = StateDone
		return false
	}
	if f.done() {
		f.state = StateDone
		return false
	}
	if now.Before(f.sendTime) {
		return true
	}
	blockID, sym, ok := f.nextPacket()
	if !ok {
		return true
	}
	header := fec.EncodeHeader(sym.Kind, sym.Index)
	payload := make([]byte, fec.HeaderSize+len(sym.Payload))
	copy(payload, header[:])
	copy(payload[fec.HeaderSize:], sym.Payload)

	delayMs := now.Sub(f.keepAliveReceivedAt).Milliseconds()
	if delayMs < 0 {
		delayMs = 0
	}
	if delayMs > 0xFFFF {
		delayMs = 0xFFFF
	}
	pkt := wire.Data{
		BlockID:   blockID,
		Timestamp: uint32(f.lastClientTimestamp),
		Delay:     uint16(delayMs),
		Symbol:    payload,
	}
	if err := f.send(pkt); err != nil {
		f.log.Debugf("send Data(block=%d): %v", blockID, err)
	}
	f.pendingSentAt[blockID] = now

	f.sendTime = f.sendTime.Add(f.pacingInterval())
	return true
}

// pacingInterval returns the spacing until the next send: the slower
// (lower-rate) of the fetcher-requested sending_rate and the TFRC
// congestion controller's current allowed rate (spec §4.8 governs the
// Provider's actual transmission pace; sending_rate is a CLI-configured
// ceiling on top of it, per DESIGN.md's Open Question decision). TFRC is
// not consulted until a round-trip sample exists (HandleFeedback would
// otherwise divide by a zero RTT).
func (f *Flow) pacingInterval() time.Duration {
	rate := f.sendingRate
	if rate == 0 {
		rate = 1
	}
	requested := time.Duration(float64(f.symbolSize) / float64(rate) * float64(time.Second))

	if f.tfrcSender == nil || f.tfrcReceiver == nil || !f.haveRTT {
		return requested
	}
	f.tfrcSender.HandleFeedback(f.tfrcReceiver.Feedback())
	if tfrcInterval := f.tfrcSender.InterPacketInterval(); tfrcInterval > requested {
		return tfrcInterval
	}
	return requested
}
