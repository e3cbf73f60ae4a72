package tfrc

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestReceiverLossEventRateNeedsTwoEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReceiver(clock)
	r.SetRTT(10 * time.Millisecond)
	require.Equal(t, float64(0), r.LossEventRate())

	r.OnNack()
	clock.Advance(50 * time.Millisecond)
	r.OnNack()
	require.Greater(t, r.LossEventRate(), float64(0))
}

func TestReceiverReceiveRateCounts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReceiver(clock)
	r.OnAck(512)
	r.OnAck(512)
	clock.Advance(time.Second)
	rate := r.ReceiveRate()
	require.InDelta(t, 1024, rate, 0.001)
	require.Equal(t, float64(0), r.ReceiveRate(), "accounting window resets after read")
}

func TestSenderSlowStartDoublesUntilLoss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSender(clock, 512)
	initial := s.AllowedRate()
	require.Greater(t, initial, float64(0))

	s.HandleFeedback(Feedback{Timestamp: clock.Now(), ReceiveRate: 1e9, LossEventRate: 0})
	afterFirst := s.AllowedRate()
	require.Greater(t, afterFirst, float64(0))

	clock.Advance(time.Second)
	s.HandleFeedback(Feedback{Timestamp: clock.Now(), ReceiveRate: 1e9, LossEventRate: 0})
	afterSecond := s.AllowedRate()
	require.GreaterOrEqual(t, afterSecond, afterFirst)
}

func TestSenderReducesRateUnderLoss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSender(clock, 512)
	s.HandleFeedback(Feedback{Timestamp: clock.Now(), ReceiveRate: 1e6, LossEventRate: 0})
	clock.Advance(100 * time.Millisecond)
	beforeLoss := s.AllowedRate()

	clock.Advance(100 * time.Millisecond)
	s.HandleFeedback(Feedback{Timestamp: clock.Now(), ReceiveRate: 1e6, LossEventRate: 0.1})
	afterLoss := s.AllowedRate()
	require.Less(t, afterLoss, beforeLoss)
}

func TestSenderNoFeedbackTimerHalvesRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSender(clock, 512)
	s.HandleFeedback(Feedback{Timestamp: clock.Now(), ReceiveRate: 1e6, LossEventRate: 0})
	rateBefore := s.AllowedRate()

	clock.Advance(10 * time.Second)
	rateAfter := s.AllowedRate()
	require.Less(t, rateAfter, rateBefore)
}

func TestInterPacketIntervalMatchesRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSender(clock, 500)
	rate := s.AllowedRate()
	interval := s.InterPacketInterval()
	require.InDelta(t, 500/rate, interval.Seconds(), 0.001)
}
