package tsb

import (
	"testing"
	"time"

	"github.com/plextuner/tsbengine/internal/watchdog"
)

func newTestConsumer() *Consumer {
	// 8 chunks of 16 bytes each, no tail, sampling every chunk.
	return New(8, 16, 8, 0, 1)
}

func fillChunk(b byte) []byte {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestPostDroppedWhileNotStreaming(t *testing.T) {
	c := newTestConsumer()
	c.Post(fillChunk(1))
	if got := c.totalBufferBytes(); got != 0 {
		t.Fatalf("totalBufferBytes = %d, want 0 (not streaming)", got)
	}
}

func TestPostAdvancesLiveAndReadReturnsData(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	for i := byte(0); i < 4; i++ {
		c.Post(fillChunk(i + 1))
	}

	dst := make([]byte, 16)
	n := c.ReadData(1, dst)
	// A fresh handle starts at live, so an immediate read sees nothing new yet.
	if n != 0 {
		t.Fatalf("ReadData = %d, want 0 for a handle anchored at live", n)
	}

	c.Post(fillChunk(5))
	n = c.ReadData(1, dst)
	if n != 16 {
		t.Fatalf("ReadData = %d, want 16", n)
	}
	for _, b := range dst {
		if b != 5 {
			t.Fatalf("dst = %v, want all 5s", dst)
		}
	}
}

func TestReleaseDropsHandle(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	c.Post(fillChunk(1))
	dst := make([]byte, 16)
	c.ReadData(42, dst)

	c.Release(42)
	c.handlesMu.Lock()
	_, ok := c.handles[42]
	c.handlesMu.Unlock()
	if ok {
		t.Fatal("expected handle 42 to be released")
	}
}

func TestSetSeekTimeClampsAndResetsHandles(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	for i := byte(0); i < 8; i++ {
		c.Post(fillChunk(i))
	}

	dst := make([]byte, 16)
	c.ReadData(1, dst) // register handle 1 at live

	maxSeek := c.GetMaxSeekTime()
	if !c.SetSeekTime(maxSeek + 100000) {
		t.Fatal("expected SetSeekTime to succeed even when clamped")
	}
	if got := c.GetSeekOffset(); got == 0 && maxSeek > 0 {
		t.Fatalf("seek offset = %d, want nonzero after seeking to max", got)
	}

	if !c.SetSeekTime(0) {
		t.Fatal("expected SetSeekTime(0) to succeed")
	}
	if got := c.GetSeekOffset(); got != 0 {
		t.Fatalf("seek offset = %d, want 0", got)
	}
}

func TestPlayerStateUndefAndReadyAreNoOps(t *testing.T) {
	c := newTestConsumer()
	c.SetPlayerState(StateUndef)
	if c.GetPlayerState() != StateUndef {
		t.Fatalf("player state = %v, want UNDEF (default, no transition applied)", c.GetPlayerState())
	}
}

func TestPlayerStatePlayingStopsWatchdog(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	c.Post(fillChunk(1))
	c.SetPlayerState(StatePaused)
	c.SetPlayerState(StatePlaying)
	if c.GetPlayerState() != StatePlaying {
		t.Fatalf("player state = %v, want PLAYING", c.GetPlayerState())
	}
	if c.isPaused.Load() {
		t.Fatal("expected isPaused to be cleared on transition to PLAYING")
	}
}

func TestSetTrickPlaySpeedRejectsZeroAndUnchanged(t *testing.T) {
	c := newTestConsumer()
	if c.SetTrickPlaySpeed(0) {
		t.Fatal("expected speed=0 to be rejected")
	}
	if c.SetTrickPlaySpeed(1) {
		t.Fatal("expected unchanged speed (default 1) to be rejected")
	}
	if !c.SetTrickPlaySpeed(4) {
		t.Fatal("expected a new nonzero speed to be accepted")
	}
	if got := c.GetTrickPlaySpeed(); got != 4 {
		t.Fatalf("trick play speed = %d, want 4", got)
	}
	c.trick.Stop()
}

func TestUpdateTrickPlayPositionNormalSpeedStops(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	c.trickPlaySpeed = 1
	if stop := c.updateTrickPlayPosition(); !stop {
		t.Fatal("expected speed=1 tick to stop immediately")
	}
}

func TestUpdateTrickPlayPositionRewindProgressesThenSnapsAtBoundary(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	for i := byte(0); i < 8; i++ {
		c.Post(fillChunk(i))
	}
	c.trickPlaySpeed = -20 // large rewind step relative to the tiny test TSB

	stop := c.updateTrickPlayPosition()
	if !stop {
		// First tick may still have room depending on indexed size; either
		// way trickPlaySpeed must remain sane (1 once stopped).
		return
	}
	if c.trickPlaySpeed != 1 {
		t.Fatalf("trickPlaySpeed = %d, want 1 after snapping to normal", c.trickPlaySpeed)
	}
}

func TestOnEndOfStreamResetsState(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	c.Post(fillChunk(1))
	c.SetSeekTime(0)
	c.SetTrickPlaySpeed(2)

	c.OnEndOfStream()

	if c.isStreaming.Load() {
		t.Fatal("expected isStreaming=false after OnEndOfStream")
	}
	if got := c.GetSeekOffset(); got != 0 {
		t.Fatalf("seek offset = %d, want 0 after reset", got)
	}
	if got := c.GetTrickPlaySpeed(); got != 1 {
		t.Fatalf("trick play speed = %d, want 1 after reset", got)
	}
	if got := c.idx.IndexSizeInBytes(); got != 0 {
		t.Fatalf("indexer size = %d, want 0 after reset", got)
	}
}

// TestOnEndOfStreamAbortsPoolReadsAndOnOpenResumes proves OnEndOfStream
// interrupts reads through the pool's abort flag itself, not merely through
// Clear() zeroing the buffer's bookkeeping, and that OnOpen undoes it.
func TestOnEndOfStreamAbortsPoolReadsAndOnOpenResumes(t *testing.T) {
	c := newTestConsumer()
	c.OnOpen()
	c.Post(fillChunk(1))

	// Read the data still sitting in the pool, before OnEndOfStream has a
	// chance to run Clear(), to isolate the abort flag as the cause of the
	// zero read rather than the data having been discarded.
	c.pool.AbortAllOperations()
	dst := make([]byte, 16)
	if n := c.pool.ReadRandomAccess(dst, 0); n != 0 {
		t.Fatalf("ReadRandomAccess = %d, want 0 while aborted, with data still present", n)
	}
	c.pool.Resume()
	if n := c.pool.ReadRandomAccess(dst, 0); n != 16 {
		t.Fatalf("ReadRandomAccess = %d, want 16 once resumed", n)
	}

	c.OnEndOfStream()
	if !c.pool.Aborted() {
		t.Fatal("expected OnEndOfStream to leave the pool aborted")
	}

	c.OnOpen()
	if c.pool.Aborted() {
		t.Fatal("expected OnOpen to resume the pool")
	}
}

func TestGetBufferCapacityByteSize(t *testing.T) {
	c := newTestConsumer()
	want := uint64(c.idx.Capacity()-1) * 16
	if got := c.GetBufferCapacityByteSize(); got != want {
		t.Fatalf("capacity bytes = %d, want %d", got, want)
	}
}

func TestWatchdogExpiryFlipsIsPausedDuringPause(t *testing.T) {
	c := New(8, 16, 8, 0, 1)
	// Swap in a short-timeout watchdog so the test doesn't wait a full second.
	c.watch = watchdog.New(20*time.Millisecond, func(expired bool) {
		c.isPaused.Store(expired)
	})
	c.OnOpen()
	c.Post(fillChunk(1))
	c.SetPlayerState(StatePaused)

	time.Sleep(50 * time.Millisecond)
	if !c.isPaused.Load() {
		t.Fatal("expected isPaused to flip true once the short watchdog expires")
	}
}
