// Package tfrc implements the TCP-Friendly Rate Control sender and
// receiver outlined in spec §4.8 (RFC 5348). Per the redesign decision in
// DESIGN.md, both halves live on the Provider side of a flow: the
// Receiver is driven directly by AckBlock/NackBlock arrivals instead of a
// dedicated wire Feedback packet, and hands its Feedback to the paired
// Sender by direct call rather than over the network.
package tfrc

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxBackoffInterval is t_mbi from RFC 5348 §4.3.
const MaxBackoffInterval = 64 * time.Second

// SchedulingGranularity bounds how finely the sender paces credits.
const SchedulingGranularity = time.Millisecond

// Feedback is the information RFC 5348 §4.3 says a receiver periodically
// reports to a sender.
type Feedback struct {
	Delay         time.Duration
	Timestamp     time.Time
	ReceiveRate   float64 // bytes/s
	LossEventRate float64 // p, in [0,1)
}

// --- Receiver -------------------------------------------------------------

type lossEvent struct {
	at   time.Time
}

// Receiver maintains the loss-event history and receive-rate estimate for
// one flow, per spec §4.8. In this implementation it observes the
// Provider's own inbound AckBlock/NackBlock stream (see package doc).
type Receiver struct {
	clock clockwork.Clock

	firstEventAt   time.Time
	ackedBytes     uint64
	lastRateReset  time.Time

	lossEvents []lossEvent // most recent first, bounded to 8 entries
	rtt        time.Duration

	feedbackSent bool
}

// NewReceiver creates a Receiver using clock as its time source.
func NewReceiver(clock clockwork.Clock) *Receiver {
	now := clock.Now()
	return &Receiver{clock: clock, firstEventAt: now, lastRateReset: now}
}

// OnAck records a successfully acknowledged block of byteLen bytes.
func (r *Receiver) OnAck(byteLen int) {
	r.ackedBytes += uint64(byteLen)
}

// OnNack records a NACK for a block; nacks beyond rtt of the most recent
// loss event start a new loss-event entry (spec §4.8), bounded to the
// most recent 8 events.
func (r *Receiver) OnNack() {
	now := r.clock.Now()
	if len(r.lossEvents) == 0 || now.Sub(r.lossEvents[0].at) > r.rtt {
		r.lossEvents = append([]lossEvent{{at: now}}, r.lossEvents...)
		if len(r.lossEvents) > 8 {
			r.lossEvents = r.lossEvents[:8]
		}
	}
}

// SetRTT updates the RTT estimate used to space loss events apart.
func (r *Receiver) SetRTT(rtt time.Duration) { r.rtt = rtt }

// weights per RFC 5348 §5.4 for up to 8 historical intervals.
var lossIntervalWeights = [8]float64{1, 1, 1, 1, 0.8, 0.6, 0.4, 0.2}

// LossEventRate computes p via the weighted-average interval method of
// RFC 5348 §5.4 over the current loss-event history.
func (r *Receiver) LossEventRate() float64 {
	n := len(r.lossEvents)
	if n < 2 {
		return 0
	}
	// interval i is the time between loss event i and i+1 (i=0 most recent)
	var weightedSum, weightTotal float64
	for i := 0; i < n-1 && i < len(lossIntervalWeights); i++ {
		interval := r.lossEvents[i].at.Sub(r.lossEvents[i+1].at).Seconds()
		w := lossIntervalWeights[i]
		weightedSum += interval * w
		weightTotal += w
	}
	if weightedSum <= 0 || weightTotal <= 0 {
		return 0
	}
	avgInterval := weightedSum / weightTotal
	if avgInterval <= 0 {
		return 0
	}
	return 1 / avgInterval
}

// ReceiveRate returns bytes/s acknowledged since the last call, and resets
// the accounting window (spec §4.8 "compute receive_rate = packet_count *
// MSS / interval").
func (r *Receiver) ReceiveRate() float64 {
	now := r.clock.Now()
	elapsed := now.Sub(r.lastRateReset).Seconds()
	r.lastRateReset = now
	acked := r.ackedBytes
	r.ackedBytes = 0
	if elapsed <= 0 {
		return 0
	}
	return float64(acked) / elapsed
}

// Feedback builds a Feedback value from current state, for the Sender to
// consume. Receiver and Sender are colocated, so there is no wire hop to
// time: Delay is always zero, and Timestamp is backdated by the measured
// RTT (set via SetRTT) so HandleFeedback's own round-trip calculation
// recovers that RTT rather than degenerating to zero.
func (r *Receiver) Feedback() Feedback {
	now := r.clock.Now()
	return Feedback{
		Delay:         0,
		Timestamp:     now.Add(-r.rtt),
		ReceiveRate:   r.ReceiveRate(),
		LossEventRate: r.LossEventRate(),
	}
}

// --- Sender -----------------------------------------------------------------

// receiveRateEntry is one sample in the sender's receive-rate set (RFC
// 5348 §4.3's "up to 3 recent X_recv samples").
type receiveRateEntry struct {
	at   time.Time
	rate float64
}

// Sender produces paced send credits from periodic Feedback, per the
// TCP-friendly equation of spec §4.8.
type Sender struct {
	clock clockwork.Clock

	segmentSize float64 // s, MSS in bytes

	allowedRate        float64 // X
	initialAllowedRate float64
	timeLastDoubled    time.Time
	haveRTT            bool
	rtt                time.Duration
	rto                time.Duration
	recvSet            []receiveRateEntry
	lossEventRate      float64
	tcpSendingRate     float64
	dataLimited        bool

	noFeedbackDeadline time.Time
}

// NewSender creates a Sender for a flow sending segmentSize-byte packets.
func NewSender(clock clockwork.Clock, segmentSize int) *Sender {
	s := &Sender{
		clock:       clock,
		segmentSize: float64(segmentSize),
		allowedRate: float64(segmentSize), // conservative starting credit
	}
	s.recvSet = []receiveRateEntry{{at: clock.Now(), rate: math.Inf(1)}}
	s.noFeedbackDeadline = clock.Now().Add(2 * time.Second)
	return s
}

// AllowedRate returns X, the current allowed sending rate in bytes/s.
func (s *Sender) AllowedRate() float64 {
	s.checkNoFeedbackTimerExpired()
	return s.allowedRate
}

// InterPacketInterval returns s/X, the pacing interval between sends.
func (s *Sender) InterPacketInterval() time.Duration {
	rate := s.AllowedRate()
	if rate <= 0 {
		return MaxBackoffInterval
	}
	return time.Duration(s.segmentSize / rate * float64(time.Second))
}

func (s *Sender) recvSetMax() float64 {
	max := math.Inf(-1)
	for _, e := range s.recvSet {
		if e.rate > max {
			max = e.rate
		}
	}
	return max
}

func (s *Sender) recvSetHalve() {
	for i := range s.recvSet {
		s.recvSet[i].rate /= 2
	}
}

func (s *Sender) recvSetMaximize(rate float64) {
	s.recvSetAppend(rate)
	if len(s.recvSet) > 0 && math.IsInf(s.recvSet[0].rate, 1) {
		s.recvSet = s.recvSet[1:]
	}
	max := s.recvSetMax()
	s.recvSet = []receiveRateEntry{{at: s.clock.Now(), rate: max}}
}

func (s *Sender) recvSetUpdate(rate float64, rtt time.Duration) {
	now := s.clock.Now()
	s.recvSetAppend(rate)
	kept := s.recvSet[:0]
	for _, e := range s.recvSet {
		if now.Sub(e.at) < 2*rtt {
			kept = append(kept, e)
		}
	}
	s.recvSet = kept
}

func (s *Sender) recvSetAppend(rate float64) {
	s.recvSet = append(s.recvSet, receiveRateEntry{at: s.clock.Now(), rate: rate})
	if len(s.recvSet) > 3 {
		s.recvSet = s.recvSet[len(s.recvSet)-3:]
	}
}

// HandleFeedback applies one Feedback report, per RFC 5348 §4.3.
func (s *Sender) HandleFeedback(fb Feedback) {
	s.checkNoFeedbackTimerExpired()

	previousRTT := s.rtt
	hadRTT := s.haveRTT
	s.updateRTT(fb.Timestamp, fb.Delay)
	s.haveRTT = true

	previousLossRate := s.lossEventRate
	s.lossEventRate = fb.LossEventRate
	s.rto = rto(s.rtt, s.segmentSize, s.allowedRate)

	if !hadRTT {
		wInit := math.Min(4*s.segmentSize, math.Max(2*s.segmentSize, 4380))
		rttSeconds := s.rtt.Seconds()
		if rttSeconds <= 0 {
			// No RTT sample yet (e.g. first feedback before any round trip
			// has completed): fall back to the scheduling granularity
			// rather than divide by zero.
			rttSeconds = SchedulingGranularity.Seconds()
		}
		s.initialAllowedRate = wInit / rttSeconds
		s.allowedRate = s.initialAllowedRate
		s.timeLastDoubled = s.clock.Now()
	} else {
		_ = previousRTT
		s.updateAllowedSendingRate(fb.ReceiveRate, previousLossRate)
	}

	s.noFeedbackDeadline = s.clock.Now().Add(s.rto)
}

func rto(rtt time.Duration, segmentSize, allowedRate float64) time.Duration {
	bySending := time.Duration(0)
	if allowedRate > 0 {
		bySending = time.Duration(2 * segmentSize / allowedRate * float64(time.Second))
	}
	d := 4 * rtt
	if bySending > d {
		d = bySending
	}
	return d
}

func (s *Sender) updateRTT(timestamp time.Time, delay time.Duration) {
	sample := s.clock.Now().Sub(timestamp) - delay
	if sample < 0 {
		sample = 0
	}
	const q = 0.9
	if !s.haveRTT {
		s.rtt = sample
	} else {
		s.rtt = time.Duration(q*float64(s.rtt) + (1-q)*float64(sample))
	}
}

func (s *Sender) updateAllowedSendingRate(receiveRate float64, previousLossEventRate float64) {
	var recvLimit float64
	if s.dataLimited {
		if previousLossEventRate < s.lossEventRate {
			s.recvSetHalve()
			receiveRate *= 0.85
			s.recvSetMaximize(receiveRate)
		} else {
			s.recvSetMaximize(receiveRate)
		}
		recvLimit = s.recvSetMax()
	} else {
		s.recvSetUpdate(receiveRate, s.rtt)
		recvLimit = 2 * s.recvSetMax()
	}

	if s.lossEventRate > 0 {
		p := s.lossEventRate
		r := s.rtt.Seconds()
		denom := r*math.Sqrt(2*p/3) + s.rto.Seconds()*3*math.Sqrt(3*p/8)*p*(1+32*p*p)
		if denom > 0 {
			s.tcpSendingRate = s.segmentSize / denom
		}
		floor := s.segmentSize / MaxBackoffInterval.Seconds()
		s.allowedRate = math.Max(math.Min(s.tcpSendingRate, recvLimit), floor)
	} else if s.clock.Now().Sub(s.timeLastDoubled) >= s.rtt {
		s.allowedRate = math.Max(math.Min(2*s.allowedRate, recvLimit), s.initialAllowedRate)
		s.timeLastDoubled = s.clock.Now()
	}
}

func (s *Sender) checkNoFeedbackTimerExpired() {
	now := s.clock.Now()
	if now.Before(s.noFeedbackDeadline) {
		return
	}
	receiveRate := s.recvSetMax()
	floor := s.segmentSize / MaxBackoffInterval.Seconds()

	switch {
	case !s.haveRTT || s.lossEventRate == 0:
		s.allowedRate = math.Max(s.allowedRate/2, floor)
	case s.tcpSendingRate > 2*receiveRate:
		s.applyTimerLimit(receiveRate, floor)
	default:
		s.applyTimerLimit(s.tcpSendingRate/2, floor)
	}

	s.noFeedbackDeadline = now.Add(rto(s.rtt, s.segmentSize, s.allowedRate))
}

func (s *Sender) applyTimerLimit(limit, floor float64) {
	if limit < floor {
		limit = floor
	}
	s.recvSet = []receiveRateEntry{{at: s.clock.Now(), rate: limit / 2}}
	s.updateAllowedSendingRate(limit, s.lossEventRate)
}
