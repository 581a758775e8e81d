package tcpio

import (
	"testing"
	"time"
)

func fakeClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestWindowExcludesCurrentSecond(t *testing.T) {
	s := NewStats()
	now, advance := fakeClock(time.Unix(1700000000, 0))
	s.now = now

	s.CountRead(100)
	s.CountSent(50)

	// Counts land in the current second and must not show up yet.
	if pr, br, ps, bs := s.Window(60); pr != 0 || br != 0 || ps != 0 || bs != 0 {
		t.Fatalf("window saw current second: PR %d BR %d PS %d BS %d", pr, br, ps, bs)
	}

	advance(time.Second)
	pr, br, ps, bs := s.Window(60)
	if pr != 1 || br != 100 || ps != 1 || bs != 50 {
		t.Fatalf("unexpected window: PR %d BR %d PS %d BS %d", pr, br, ps, bs)
	}
}

func TestWindowWidth(t *testing.T) {
	s := NewStats()
	now, advance := fakeClock(time.Unix(1700000000, 0))
	s.now = now

	// One packet per second for 20 seconds.
	for i := 0; i < 20; i++ {
		s.CountRead(10)
		advance(time.Second)
	}

	if pr, _, _, _ := s.Window(10); pr != 10 {
		t.Fatalf("10s window counted %d packets", pr)
	}
	if pr, br, _, _ := s.Window(60); pr != 20 || br != 200 {
		t.Fatalf("60s window counted PR %d BR %d", pr, br)
	}
	if pr, _, _, _ := s.Window(1); pr != 1 {
		t.Fatalf("1s window counted %d packets", pr)
	}
}

func TestBucketLapZeroes(t *testing.T) {
	s := NewStats()
	now, advance := fakeClock(time.Unix(1700000000, 0))
	s.now = now

	s.CountRead(10)

	// A full lap of the ring lands on the same bucket index.
	advance(IntervalSeconds * time.Second)
	s.CountRead(1)
	advance(time.Second)

	if _, br, _, _ := s.Window(60); br != 1 {
		t.Fatalf("stale bucket survived the lap: BR %d", br)
	}
}

func TestNegativeCountOnlyTouches(t *testing.T) {
	s := NewStats()
	now, advance := fakeClock(time.Unix(1700000000, 0))
	s.now = now

	s.CountRead(-1)
	s.CountSent(-1)
	advance(time.Second)

	pr, br, ps, bs := s.Window(1)
	if pr != 0 || br != 0 || ps != 0 || bs != 0 {
		t.Fatalf("negative count was recorded: PR %d BR %d PS %d BS %d", pr, br, ps, bs)
	}
}

func TestWindowClamped(t *testing.T) {
	s := NewStats()
	now, advance := fakeClock(time.Unix(1700000000, 0))
	s.now = now

	s.CountRead(10)
	advance(time.Second)

	if pr, _, _, _ := s.Window(0); pr != 1 {
		t.Fatalf("clamped low window counted %d packets", pr)
	}
	if pr, _, _, _ := s.Window(1000); pr != 1 {
		t.Fatalf("clamped high window counted %d packets", pr)
	}
}
