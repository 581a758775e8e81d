// The MIT License (MIT)
//
// # Copyright (c) 2023 ndist
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package tcpio

import "time"

// IntervalSeconds is the size of the statistics ring. One bucket per
// wall-clock second, indexed by second mod IntervalSeconds. The extra
// bucket over a full minute keeps the current second from aliasing the
// oldest one while a 60 second window is summed.
const IntervalSeconds = 61

type statsBucket struct {
	second          int64
	packetsReceived uint64
	bytesReceived   uint64
	packetsSent     uint64
	bytesSent       uint64
}

// Stats accumulates packet and byte counts into per-second buckets.
// It is owned by the event loop and not safe for concurrent use.
type Stats struct {
	buckets [IntervalSeconds]statsBucket

	now func() time.Time
}

func NewStats() *Stats {
	return &Stats{now: time.Now}
}

// bucket returns the bucket for the current second, zeroing it first
// when it still holds counts from a previous lap of the ring.
func (s *Stats) bucket() *statsBucket {
	now := s.now().Unix()
	b := &s.buckets[now%IntervalSeconds]
	if b.second != now {
		*b = statsBucket{second: now}
	}
	return b
}

// CountRead records a received packet of n bytes. A negative n only
// touches the current bucket so that idle seconds read as zero.
func (s *Stats) CountRead(n int) {
	b := s.bucket()
	if n >= 0 {
		b.bytesReceived += uint64(n)
		b.packetsReceived++
	}
}

// CountSent records a sent packet of n bytes. A negative n only touches
// the current bucket.
func (s *Stats) CountSent(n int) {
	b := s.bucket()
	if n >= 0 {
		b.bytesSent += uint64(n)
		b.packetsSent++
	}
}

// Window sums the buckets of the last nSeconds seconds, the current
// second excluded. nSeconds is clamped to [1, IntervalSeconds-1].
func (s *Stats) Window(nSeconds int) (packetsReceived, bytesReceived, packetsSent, bytesSent uint64) {
	if nSeconds < 1 {
		nSeconds = 1
	} else if nSeconds >= IntervalSeconds {
		nSeconds = IntervalSeconds - 1
	}

	now := s.now().Unix()
	cutoff := now - IntervalSeconds

	// Start with the second that just elapsed and walk backwards.
	idx := int(now % IntervalSeconds)
	for i := 0; i < nSeconds; i++ {
		idx--
		if idx < 0 {
			idx = IntervalSeconds - 1
		}
		b := &s.buckets[idx]
		if b.second > cutoff {
			packetsReceived += b.packetsReceived
			bytesReceived += b.bytesReceived
			packetsSent += b.packetsSent
			bytesSent += b.bytesSent
		}
	}
	return
}

// Log writes the 1s/10s/60s throughput summary to the log.
func (s *Stats) Log() {
	pr, br, ps, bs := s.Window(1)
	log.Infof("D last second PR %d BR %d PS %d BS %d", pr, br, ps, bs)

	pr, br, ps, bs = s.Window(10)
	log.Infof("D av last 10s PR %d BR %d PS %d BS %d", pr/10, br/10, ps/10, bs/10)

	pr, br, ps, bs = s.Window(60)
	log.Infof("D av last 60s PR %d BR %d PS %d BS %d", pr/60, br/60, ps/60, bs/60)
}
