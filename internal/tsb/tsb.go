// Package tsb implements the time-shift buffer consumer (§4.4): it owns the
// ring buffer pool, the byte↔time indexer, a pause watchdog, and the
// trick-play scheduler, and serves reads against one or more file handles
// each tracking their own offset into the live TSB.
package tsb

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plextuner/tsbengine/internal/indexer"
	"github.com/plextuner/tsbengine/internal/mvar"
	"github.com/plextuner/tsbengine/internal/ring"
	"github.com/plextuner/tsbengine/internal/watchdog"
)

const (
	pausePostReadTimeout = time.Second
	trickPlayRate        = 350 * time.Millisecond
)

// PlayerState mirrors the player's coarse playback state.
type PlayerState int

const (
	StateUndef PlayerState = iota
	StateReady
	StatePlaying
	StatePaused
)

func (s PlayerState) String() string {
	switch s {
	case StateUndef:
		return "UNDEF"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// handleContext tracks one open file handle's read offset into the TSB.
type handleContext struct {
	readOffset uint64
}

// Consumer is the TSB consumer: it receives chunks from the stream
// processor, tracks the live byte count through the indexer, and answers
// seek/read/trick-play requests from the virtual-file layer.
type Consumer struct {
	pool    *ring.Pool
	idx     *indexer.Indexer
	watch   *watchdog.Watchdog
	pause   *watchdog.IntervalMonitor
	trick   *watchdog.CyclicTimer
	chunkSz int

	seekMu  sync.Mutex
	paramMu sync.Mutex
	trickMu sync.Mutex

	seekByteOffset atomic.Uint64
	isStreaming    atomic.Bool
	isPaused       atomic.Bool
	playerState    atomic.Int32
	trickPlaySpeed int16

	handlesMu   sync.Mutex
	handles     map[uint64]*handleContext
	minHandleID uint64
	haveMin     bool

	flush     *mvar.Cell[[]byte]
	trickFile *mvar.Cell[[]byte]
}

// New creates a TSB consumer whose ring holds poolCapacity chunks of
// chunkSize bytes, indexed with the given tsb/tail sizes and sampling
// ratio (§4.2/§4.3).
func New(poolCapacity, chunkSize int, tsbSize, tailSize uint64, samplingRatio uint8) *Consumer {
	c := &Consumer{
		pool:      ring.NewPool(poolCapacity, chunkSize),
		idx:       indexer.New(tsbSize, tailSize, samplingRatio),
		pause:     watchdog.NewIntervalMonitor(),
		chunkSz:   chunkSize,
		handles:   make(map[uint64]*handleContext),
		flush:     mvar.GetVariable[[]byte](mvar.IDFlush),
		trickFile: mvar.GetVariable[[]byte](mvar.IDTrickPlay),
	}
	c.trickPlaySpeed = 1
	c.trickFile.Set([]byte(itoa16(c.trickPlaySpeed)))
	c.watch = watchdog.New(pausePostReadTimeout, func(expired bool) {
		c.isPaused.Store(expired)
	})
	c.trick = watchdog.NewCyclicTimer(c.updateTrickPlayPosition)
	c.trick.SetPeriod(trickPlayRate)
	return c
}

// totalBufferBytes returns the live byte count: every chunk ever pushed.
func (c *Consumer) totalBufferBytes() uint64 {
	return uint64(c.pool.TotalBytes())
}

// Post feeds one fixed-size chunk into the TSB (§4.4 post). Dropped
// silently while not streaming.
func (c *Consumer) Post(chunk []byte) {
	if !c.isStreaming.Load() {
		return
	}

	c.pool.Push(chunk)
	wasFirstSample, size := c.idx.Register(c.totalBufferBytes())

	if PlayerState(c.playerState.Load()) != StatePaused {
		return
	}

	if wasFirstSample && size == 1 {
		// The watchdog could not be started in SetPlayerState since no
		// buffers existed in the pool yet at that point.
		c.watch.Start()
	}

	if c.isPaused.Load() {
		c.paramMu.Lock()
		defer c.paramMu.Unlock()

		livePos := c.totalBufferBytes()
		actualPos, ok := c.firstHandleReadOffsetLocked()
		if !ok {
			return
		}

		var deltaBytes uint64
		if livePos > actualPos {
			deltaBytes = livePos - actualPos
			c.pause.Stop()
		} else {
			c.pause.Update()
		}

		c.incFirstHandleReadOffsetLocked(deltaBytes)

		newOffset := c.seekByteOffset.Add(deltaBytes)
		if maxSize := c.idx.IndexSizeInBytes(); newOffset > maxSize {
			c.seekByteOffset.Store(maxSize)
		}
	} else {
		c.pause.Update()
	}
}

// firstHandleReadOffsetLocked returns the read offset of the lowest-numbered
// handle id, mirroring the original's reliance on std::map ordering to pick
// a stable "live anchor" handle. It takes handlesMu itself, so callers must
// not already hold it.
func (c *Consumer) firstHandleReadOffsetLocked() (uint64, bool) {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	if !c.haveMin {
		return 0, false
	}
	h, ok := c.handles[c.minHandleID]
	if !ok {
		return 0, false
	}
	return h.readOffset, true
}

func (c *Consumer) incFirstHandleReadOffsetLocked(delta uint64) {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	if h, ok := c.handles[c.minHandleID]; ok {
		h.readOffset += delta
	}
}

func (c *Consumer) trackHandleLocked(handle uint64) {
	if !c.haveMin || handle < c.minHandleID {
		c.minHandleID = handle
		c.haveMin = true
	}
}

// ReadData reads up to len(dst) bytes for handle, relative to its last read
// position, returning the number of bytes actually read.
func (c *Consumer) ReadData(handle uint64, dst []byte) int {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()

	c.handlesMu.Lock()
	ctx, ok := c.handles[handle]
	if !ok {
		ctx = &handleContext{readOffset: c.totalBufferBytes()}
		c.handles[handle] = ctx
		c.trackHandleLocked(handle)
		log.Printf("tsb: new handle %d readOffset=%d seekOffset=%d", handle, ctx.readOffset, c.seekByteOffset.Load())
	}
	c.handlesMu.Unlock()

	poolOffset := ctx.readOffset - c.seekByteOffset.Load()
	n := c.pool.ReadRandomAccess(dst, int64(poolOffset))
	if n > 0 {
		ctx.readOffset += uint64(n)
	}

	if PlayerState(c.playerState.Load()) == StatePaused {
		c.watch.Restart()
	}

	return n
}

// Release drops handle's context.
func (c *Consumer) Release(handle uint64) {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	delete(c.handles, handle)
	if handle == c.minHandleID {
		c.haveMin = false
		for id := range c.handles {
			if !c.haveMin || id < c.minHandleID {
				c.minHandleID = id
				c.haveMin = true
			}
		}
	}
}

// SetSeekTime clamps seekMs to [0, max_seek_ms] and repositions the TSB
// there, resetting the watchdog/pause monitor and every handle's offset
// back to live.
func (c *Consumer) SetSeekTime(seekMs int64) bool {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()

	maxSeekMs := int64(c.idx.IndexSizeInTimeUs() / 1000)
	if seekMs > maxSeekMs {
		log.Printf("tsb: seekTime=%d out of range, truncating to max=%d", seekMs, maxSeekMs)
		seekMs = maxSeekMs
	}
	if seekMs < 0 {
		seekMs = 0
	}

	byteOffset, err := c.idx.ByteOffsetFromTimeUs(uint64(seekMs) * 1000)
	if err != nil {
		log.Printf("tsb: set seek time failed: %v", err)
		return false
	}

	c.seekByteOffset.Store(byteOffset)
	c.watch.Clear()
	c.pause.Reset()

	bufSize := c.totalBufferBytes()
	c.handlesMu.Lock()
	for _, h := range c.handles {
		h.readOffset = bufSize
	}
	c.handlesMu.Unlock()

	if PlayerState(c.playerState.Load()) == StatePaused {
		c.watch.Start()
	}

	log.Printf("tsb: set seek time=%d -> seekByteOffset=%d max.seek=%d", seekMs, byteOffset, maxSeekMs)
	return true
}

// GetSeekTime returns the current seek position in milliseconds, including
// accumulated pause time.
func (c *Consumer) GetSeekTime() int64 {
	c.paramMu.Lock()
	defer c.paramMu.Unlock()

	seekUs, _ := c.idx.TimeUsFromByteOffset(c.seekByteOffset.Load())
	seekUs += uint64(c.pause.AccumulatedMicros())
	return int64(seekUs / 1000)
}

// GetMaxSeekTime returns the deepest seekable position in milliseconds.
func (c *Consumer) GetMaxSeekTime() int64 {
	return int64(c.idx.IndexSizeInTimeUs() / 1000)
}

// GetSeekOffset returns the current seek position in bytes behind live.
func (c *Consumer) GetSeekOffset() uint64 { return c.seekByteOffset.Load() }

// GetActualBufferByteSize returns the indexed (i.e. windowed) buffer size.
func (c *Consumer) GetActualBufferByteSize() uint64 { return c.idx.IndexSizeInBytes() }

// GetBufferCapacityByteSize returns the buffer pool's usable capacity, minus
// the tail reserved for in-flight writes, in bytes.
func (c *Consumer) GetBufferCapacityByteSize() uint64 {
	return uint64(c.idx.Capacity()-1) * uint64(c.chunkSz)
}

// SetPlayerState transitions the tracked player state, arming or disarming
// the pause watchdog accordingly.
func (c *Consumer) SetPlayerState(state PlayerState) {
	switch state {
	case StatePlaying:
		c.watch.Stop()
		c.pause.Stop()
		c.isPaused.Store(false)
	case StatePaused:
		if c.totalBufferBytes() > 0 {
			c.watch.Start()
		}
	default:
		return
	}
	c.playerState.Store(int32(state))
}

// GetPlayerState returns the tracked player state.
func (c *Consumer) GetPlayerState() PlayerState {
	return PlayerState(c.playerState.Load())
}

// SetTrickPlaySpeed stores and (re)starts the trick-play timer if speed is
// nonzero and differs from the current speed. Returns whether trick play
// was (re)started.
func (c *Consumer) SetTrickPlaySpeed(speed int16) bool {
	c.trickMu.Lock()
	defer c.trickMu.Unlock()
	if speed != 0 && speed != c.trickPlaySpeed {
		c.trickPlaySpeed = speed
		c.trick.Start()
		c.updateTrickPlayFileLocked()
		return true
	}
	return false
}

// GetTrickPlaySpeed returns the current trick-play speed/direction.
func (c *Consumer) GetTrickPlaySpeed() int16 {
	c.trickMu.Lock()
	defer c.trickMu.Unlock()
	return c.trickPlaySpeed
}

// updateTrickPlayPosition is the cyclic trick-play tick (§4.4): it advances
// the seek position by one tick's worth of trick-play speed, returning true
// once trick play should stop (speed snapped back to normal, or the TSB
// boundary reached).
func (c *Consumer) updateTrickPlayPosition() bool {
	c.trickMu.Lock()
	defer c.trickMu.Unlock()

	stop := true
	currentSeek := c.GetSeekTime()
	var newSeek int64

	if c.trickPlaySpeed == 1 {
		newSeek = currentSeek
	} else {
		deltaSeek := int64(trickPlayRate/time.Millisecond) * int64(c.trickPlaySpeed)
		if deltaSeek < 0 {
			// Rewind: add back one tick's worth of live drift.
			newSeek = currentSeek - deltaSeek + int64(trickPlayRate/time.Millisecond)
			if newSeek < c.GetMaxSeekTime() {
				stop = false
			} else {
				c.trickPlaySpeed = 1
			}
		} else {
			// Fast-forward: subtract one tick's worth of live drift.
			newSeek = currentSeek - deltaSeek - int64(trickPlayRate/time.Millisecond)
			if newSeek > 0 {
				stop = false
			} else {
				newSeek = 0
				c.trickPlaySpeed = 1
			}
		}
	}

	c.pool.SetReadThrottle(stop)
	c.SetSeekTime(newSeek)
	c.flush.Set([]byte("seek change"))

	if c.trickPlaySpeed == 1 {
		c.updateTrickPlayFileLocked()
	}
	return stop
}

func (c *Consumer) updateTrickPlayFileLocked() {
	c.trickFile.Set([]byte(itoa16(c.trickPlaySpeed)))
}

func itoa16(v int16) string {
	return string(appendInt(nil, int64(v)))
}

func appendInt(dst []byte, v int64) []byte {
	if v < 0 {
		dst = append(dst, '-')
		v = -v
	}
	if v == 0 {
		return append(dst, '0')
	}
	start := len(dst)
	for v > 0 {
		dst = append(dst, byte('0'+v%10))
		v /= 10
	}
	for i, j := start, len(dst)-1; i < j; i, j = i+1, j-1 {
		dst[i], dst[j] = dst[j], dst[i]
	}
	return dst
}

// OnOpen marks the TSB as streaming (§4.4 onOpen) and resumes the pool,
// undoing any abort left over from a prior onEndOfStream.
func (c *Consumer) OnOpen() {
	c.isStreaming.Store(true)
	c.pool.Resume()
}

// OnEndOfStream marks the TSB as not streaming, aborts any in-flight or
// blocked read so it returns promptly (§4.2, mirroring the original's
// interruptReads/abortAllOperations pairing on an empty channel select),
// then empties the pool and resets seek/trick-play/indexer/handle state.
// No data is kept up to the last read position: every buffered chunk is
// dropped.
func (c *Consumer) OnEndOfStream() {
	c.isStreaming.Store(false)
	c.pool.AbortAllOperations()
	c.pool.Clear()
	c.reset()
}

func (c *Consumer) reset() {
	c.paramMu.Lock()
	c.trickMu.Lock()
	defer c.trickMu.Unlock()
	defer c.paramMu.Unlock()

	if c.seekByteOffset.Load() != 0 {
		bufSize := c.totalBufferBytes()
		c.handlesMu.Lock()
		for _, h := range c.handles {
			h.readOffset = bufSize
		}
		c.handlesMu.Unlock()
	}

	c.seekByteOffset.Store(0)
	c.trickPlaySpeed = 1
	c.updateTrickPlayFileLocked()
	c.pool.SetReadThrottle(true)
	c.trick.Stop()
	c.idx.Clear()
	c.watch.Clear()
	c.pause.Reset()
	c.isPaused.Store(false)
}
