package mibeacon

import (
	"testing"
	"time"
)

func TestDedupWindowSameFrameWithinWindow(t *testing.T) {
	d := NewDedupWindow()
	now := time.Now()

	if d.IsDuplicate(testMAC, 7, now) {
		t.Fatal("first observation must not be a duplicate")
	}
	if !d.IsDuplicate(testMAC, 7, now.Add(500*time.Millisecond)) {
		t.Fatal("repeat within 2s window must be a duplicate")
	}
}

func TestDedupWindowExpiresAfterWindow(t *testing.T) {
	d := NewDedupWindow()
	now := time.Now()

	d.IsDuplicate(testMAC, 7, now)
	if d.IsDuplicate(testMAC, 7, now.Add(2100*time.Millisecond)) {
		t.Fatal("observation after the window elapses must not be a duplicate")
	}
}

func TestDedupWindowDifferentCounterNotDuplicate(t *testing.T) {
	d := NewDedupWindow()
	now := time.Now()

	d.IsDuplicate(testMAC, 1, now)
	if d.IsDuplicate(testMAC, 2, now.Add(time.Millisecond)) {
		t.Fatal("a different frame counter must not be treated as a duplicate")
	}
}

func TestDedupWindowDifferentMACNotDuplicate(t *testing.T) {
	d := NewDedupWindow()
	now := time.Now()
	other := [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	d.IsDuplicate(testMAC, 3, now)
	if d.IsDuplicate(other, 3, now.Add(time.Millisecond)) {
		t.Fatal("a different mac must not be treated as a duplicate")
	}
}

func TestDedupWindowSweepsStaleEntries(t *testing.T) {
	d := NewDedupWindow()
	base := time.Now()

	for i := 0; i < 600; i++ {
		mac := [6]byte{byte(i >> 8), byte(i), 0, 0, 0, 0}
		d.IsDuplicate(mac, 0, base)
	}

	// All entries are now stale; one more lookup should trigger a sweep
	// and shrink the map well below the count inserted.
	d.IsDuplicate(testMAC, 99, base.Add(3*time.Second))

	d.mu.Lock()
	n := len(d.seen)
	d.mu.Unlock()

	if n >= 600 {
		t.Fatalf("expected sweep to evict stale entries, map still has %d", n)
	}
}
