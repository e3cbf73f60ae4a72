// Package seqnum implements the 24-bit wrap-safe sequence number and
// timestamp arithmetic described in spec §4.2. Comparisons between two
// values are only meaningful when the true gap between them is below
// 2**23, which holds for every use in this protocol (RTT-scale timestamps,
// NACK-window-scale sequence numbers).
package seqnum

import (
	"sync"

	"github.com/katzenpost/core/monotime"
)

// Modulus is 2**24, the wraparound point for both sequence numbers and
// millisecond timestamps.
const Modulus = 1 << 24

// Number is a 24-bit unsigned sequence number with modular arithmetic.
type Number uint32

// NewNumber reduces v modulo 2**24.
func NewNumber(v uint32) Number {
	return Number(v % Modulus)
}

// Add returns n+delta, modulo 2**24. delta may be negative.
func (n Number) Add(delta int32) Number {
	return NewNumber(uint32((int64(n) + int64(delta) + Modulus*4) % Modulus))
}

// Sub returns the forward distance from other to n, i.e. the smallest
// non-negative k such that other.Add(int32(k)) == n, interpreted modulo
// 2**24.
func (n Number) Sub(other Number) uint32 {
	return uint32((int64(n) - int64(other) + Modulus) % Modulus)
}

// Less reports whether n is older than other: the forward distance from n
// to other is smaller than the forward distance from other to n.
func (n Number) Less(other Number) bool {
	return other.Sub(n) < n.Sub(other)
}

// Greater reports whether n is newer than other.
func (n Number) Greater(other Number) bool {
	return other.Less(n)
}

// Timestamp is a 24-bit millisecond counter relative to a per-process
// monotonic clock origin (wraparound ~4h40m, spec §4.2).
type Timestamp uint32

// NewTimestamp reduces ms modulo 2**24.
func NewTimestamp(ms uint32) Timestamp {
	return Timestamp(ms % Modulus)
}

// origin is the per-process monotonic clock reference point: the first
// call to Now() establishes it.
var (
	originMu    sync.Mutex
	originValue uint64 // nanoseconds, from monotime.Now()
	originSet   bool
)

// Now returns the current process-relative timestamp.
func Now() Timestamp {
	now := uint64(monotime.Now())
	originMu.Lock()
	if !originSet {
		originValue = now
		originSet = true
	}
	origin := originValue
	originMu.Unlock()
	elapsedMs := (now - origin) / uint64(1e6)
	return NewTimestamp(uint32(elapsedMs % Modulus))
}

// Add returns t+delta milliseconds, modular.
func (t Timestamp) Add(deltaMs int64) Timestamp {
	return NewTimestamp(uint32((int64(t) + deltaMs + Modulus*1000) % Modulus))
}

// Sub returns the forward-elapsed duration in milliseconds from other to
// t, clamped to the wrap modulus (i.e. always in [0, 2**24)).
func (t Timestamp) Sub(other Timestamp) uint32 {
	return uint32((int64(t) - int64(other) + Modulus) % Modulus)
}

// Less reports whether t is older than other, using the same
// smallest-forward-distance heuristic as Number.Less.
func (t Timestamp) Less(other Timestamp) bool {
	return other.Sub(t) < t.Sub(other)
}
