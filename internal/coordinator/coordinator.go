// Package coordinator implements the media-source coordinator (§4.6): the
// stream processor fan-out plus the consumer/monitor/message loops that
// pull producer buffers off the ingress queue, chunk them for the TSB/PSI
// consumers, inject null TS on buffer loss, and react to network-route
// changes.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/plextuner/tsbengine/internal/ingress"
	"github.com/plextuner/tsbengine/internal/metrics"
	"github.com/plextuner/tsbengine/internal/mvar"
	"github.com/plextuner/tsbengine/internal/source"
)

const (
	bufferCheckPeriod       = 500 * time.Millisecond
	noBufferThreshold       = 2 * time.Second
	noBufferReconfigureTime = 5 * time.Second

	noChannelURI = "0.0.0.0:5900"
)

// Consumer is one stream-processor fan-out target (§4.6's StreamConsumer):
// the TSB consumer and the PSI chunk consumer both implement this.
type Consumer interface {
	Post(chunk []byte)
	OnOpen(channel string)
	OnEndOfStream(channel string)
}

// StreamProcessor posts each ingress chunk, in order, to every registered
// consumer synchronously — no consumer runs on its own goroutine, matching
// the original's "post invokes each consumer synchronously in list order".
type StreamProcessor struct {
	consumers []Consumer
}

func NewStreamProcessor(consumers ...Consumer) *StreamProcessor {
	return &StreamProcessor{consumers: consumers}
}

func (sp *StreamProcessor) post(chunk []byte) {
	for _, c := range sp.consumers {
		c.Post(chunk)
	}
}

func (sp *StreamProcessor) onOpen(channel string) {
	for _, c := range sp.consumers {
		c.OnOpen(channel)
	}
}

func (sp *StreamProcessor) onEndOfStream(channel string) {
	for _, c := range sp.consumers {
		c.OnEndOfStream(channel)
	}
}

// TSBConsumer is the subset of *tsb.Consumer the stream processor drives;
// its OnOpen/OnEndOfStream take no channel argument since the TSB has no
// use for it, unlike the PSI consumer.
type TSBConsumer interface {
	Post(chunk []byte)
	OnOpen()
	OnEndOfStream()
}

// tsbAdapter adapts a TSBConsumer to the channel-aware Consumer interface
// every other stream-processor entry implements.
type tsbAdapter struct {
	TSBConsumer
}

// NewTSBAdapter wraps tsb so it can sit in a StreamProcessor's consumer
// list alongside the PSI ChunkConsumer.
func NewTSBAdapter(tsb TSBConsumer) Consumer {
	return tsbAdapter{TSBConsumer: tsb}
}

func (a tsbAdapter) OnOpen(string)        { a.TSBConsumer.OnOpen() }
func (a tsbAdapter) OnEndOfStream(string) { a.TSBConsumer.OnEndOfStream() }

// messageType tags a network-route observer message (§4.6).
type messageType int

const (
	msgNoGateway messageType = iota
	msgNewGateway
	msgNoMulticast
)

type routeMessage struct {
	what     messageType
	ifaceArg string
}

// Demuxer is the capability the coordinator drives per active session —
// satisfied by a source.Source plus the channel-open/disconnect verbs the
// original's Demuxer interface exposes (open/connect/disconnect).
type Demuxer interface {
	source.Source
}

// Coordinator owns the ingress queue, the stream processor, and the three
// loops (consumer/monitor/message) the original runs as separate threads.
type Coordinator struct {
	queue *ingress.Queue
	sp    *StreamProcessor
	src   Demuxer
	iface string

	chunkSize int
	metrics   *metrics.Registry

	mu               sync.Mutex
	currentURI       string
	connected        bool
	lastValidBuffer  time.Time
	bufferSourceLost bool
	sourceLostCount  int

	messages chan routeMessage

	chunkBuf    []byte
	chunkOffset int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a coordinator over queue (already wired to a running source
// listener), posting assembled chunks to sp.
func New(queue *ingress.Queue, sp *StreamProcessor, src Demuxer, chunkSize int, reg *metrics.Registry) *Coordinator {
	return &Coordinator{
		queue:     queue,
		sp:        sp,
		src:       src,
		chunkSize: chunkSize,
		metrics:   reg,
		messages:  make(chan routeMessage, 16),
		chunkBuf:  make([]byte, chunkSize),
	}
}

// Start launches the consumer, monitor, and message loops. Stop via the
// returned context's cancellation (call Close).
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.consumerLoop(ctx) }()
	go func() { defer c.wg.Done(); c.monitorLoop(ctx) }()
	go func() { defer c.wg.Done(); c.messageLoop(ctx) }()
}

// Close stops all loops and waits for them to exit.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Open switches the active channel (§4.6 open(uri, demuxer_id)): a no-op if
// uri already matches current, otherwise disconnects the old session,
// notifies consumers, and opens the new one.
func (c *Coordinator) Open(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentURI == uri {
		return fmt.Errorf("coordinator: already on %q", uri)
	}

	prevURI := c.currentURI
	if c.connected {
		_ = c.src.Disconnect()
		c.connected = false
		c.sp.onEndOfStream(prevURI)
	}

	c.currentURI = uri
	c.chunkOffset = 0

	if uri == "" {
		return nil
	}

	c.sp.onOpen(uri)

	target, err := source.ParseURI(uri)
	if err != nil {
		return fmt.Errorf("coordinator: open %q: %w", uri, err)
	}
	if err := c.src.Open(ctx, target, c.iface, c.handleSourceBytes); err != nil {
		return fmt.Errorf("coordinator: open %q: %w", uri, err)
	}
	c.connected = true
	c.lastValidBuffer = time.Now()
	return nil
}

// handleSourceBytes is the push callback wired into the source: it lands
// raw bytes on the ingress queue via producer buffers sized to the queue's
// pool, so the consumer loop's chunking logic is the single place payload
// boundaries get normalized.
func (c *Coordinator) handleSourceBytes(payload []byte) {
	for len(payload) > 0 {
		buf, ok := c.queue.AcquireEmpty(context.Background())
		if !ok {
			return
		}
		n := copy(buf.Bytes()[:buf.Cap()], payload)
		buf.Size = n
		c.queue.Fill(buf)
		payload = payload[n:]
	}
}

// consumerLoop pulls producer buffers, re-chunks their payload into
// fixed-size posts to the stream processor, and releases the buffer back to
// the pool — independent of producer buffer boundaries, per §4.6.
func (c *Coordinator) consumerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf, ok := c.queue.ConsumeTimeout(ctx, time.Second)
		if !ok {
			continue
		}

		c.reportBufferQueued()
		payload := buf.Bytes()
		for len(payload) > 0 {
			n := copy(c.chunkBuf[c.chunkOffset:], payload)
			c.chunkOffset += n
			payload = payload[n:]
			if c.chunkOffset == len(c.chunkBuf) {
				c.sp.post(c.chunkBuf)
				c.chunkOffset = 0
			}
		}
		c.queue.ReleaseEmpty(buf)

		if c.metrics != nil {
			c.metrics.IngressFillDepth.Set(float64(c.queue.FillDepth()))
			c.metrics.IngressEmptyDepth.Set(float64(c.queue.EmptyDepth()))
		}
	}
}

func (c *Coordinator) reportBufferQueued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastValidBuffer = time.Now()
	if c.bufferSourceLost {
		c.bufferSourceLost = false
		c.publishBufferSrcLostLocked()
	}
}

// monitorLoop ticks every bufferCheckPeriod and, while a channel is active,
// escalates buffer loss: past noBufferThreshold it injects null TS and
// marks the source lost; past noBufferReconfigureTime it asks the message
// loop to reconnect.
func (c *Coordinator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(bufferCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkBufferHealth(ctx)
		}
	}
}

func (c *Coordinator) checkBufferHealth(ctx context.Context) {
	c.mu.Lock()
	active := c.currentURI != ""
	delta := time.Since(c.lastValidBuffer)
	c.mu.Unlock()
	if !active {
		return
	}

	switch {
	case delta > noBufferReconfigureTime:
		log.Printf("coordinator: no buffer for %s, requesting reconfigure", delta)
		select {
		case c.messages <- routeMessage{what: msgNoMulticast}:
		default:
		}
	case delta > noBufferThreshold:
		c.mu.Lock()
		if !c.bufferSourceLost {
			c.bufferSourceLost = true
			c.sourceLostCount++
			c.publishBufferSrcLostLocked()
			if c.metrics != nil {
				c.metrics.SourceLostTotal.Inc()
				c.metrics.BufferSourceLost.Set(1)
			}
		}
		c.mu.Unlock()
		c.injectNullBuffer(ctx)
	}
}

// publishBufferSrcLostLocked writes "0|1,<counter>" to the bufferSrcLost0
// MVar; callers must hold c.mu.
func (c *Coordinator) publishBufferSrcLostLocked() {
	state := "0"
	if c.bufferSourceLost {
		state = "1"
	}
	value := fmt.Sprintf("%s,%d", state, c.sourceLostCount)
	mvar.GetVariable[[]byte](mvar.IDBufferSrcLost).Set([]byte(value))
	if !c.bufferSourceLost && c.metrics != nil {
		c.metrics.BufferSourceLost.Set(0)
	}
}

// injectNullBuffer pushes one null-TS-filled buffer through the same
// ingress path real data takes, keeping the TSB/indexer advancing under
// loss (§4.6).
func (c *Coordinator) injectNullBuffer(ctx context.Context) {
	buf, ok := c.queue.AcquireEmpty(ctx)
	if !ok {
		return
	}
	n := buf.Cap() - buf.Cap()%188
	source.NullChunk(buf.Bytes()[:n])
	buf.Size = n
	c.queue.Fill(buf)
}

// messageLoop consumes network-route-change messages (§4.6): NO_GATEWAY,
// NEW_GATEWAY(iface), NO_MULTICAST.
func (c *Coordinator) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.messages:
			c.handleRouteMessage(ctx, msg)
		}
	}
}

func (c *Coordinator) handleRouteMessage(ctx context.Context, msg routeMessage) {
	switch msg.what {
	case msgNoGateway:
		log.Printf("coordinator: no gateway available")
		c.mu.Lock()
		_ = c.src.Disconnect()
		c.connected = false
		c.mu.Unlock()
		target, _ := source.ParseURI(noChannelURI)
		_ = c.src.Open(ctx, target, "lo", c.handleSourceBytes)

	case msgNewGateway:
		c.mu.Lock()
		c.lastValidBuffer = time.Now()
		c.iface = msg.ifaceArg
		uri := c.currentURI
		c.mu.Unlock()
		log.Printf("coordinator: new gateway %q", msg.ifaceArg)
		if uri == "" {
			return
		}
		target, err := source.ParseURI(uri)
		if err != nil {
			log.Printf("coordinator: new gateway reopen %q: %v", uri, err)
			return
		}
		_ = c.src.Disconnect()
		_ = c.src.Open(ctx, target, msg.ifaceArg, c.handleSourceBytes)

	case msgNoMulticast:
		c.mu.Lock()
		c.lastValidBuffer = time.Now()
		uri := c.currentURI
		iface := c.iface
		c.mu.Unlock()
		log.Printf("coordinator: NO_MULTICAST, reconfiguring uri=%q", uri)
		if uri == "" {
			return
		}
		_ = c.src.Disconnect()
		target, err := source.ParseURI(uri)
		if err != nil {
			log.Printf("coordinator: reconfigure %q: %v", uri, err)
			return
		}
		_ = c.src.Open(ctx, target, iface, c.handleSourceBytes)
	}
}

// NotifyGatewayGone posts a NO_GATEWAY message, for a network-route
// observer to call.
func (c *Coordinator) NotifyGatewayGone() {
	select {
	case c.messages <- routeMessage{what: msgNoGateway}:
	default:
	}
}

// NotifyNewGateway posts a NEW_GATEWAY(iface) message.
func (c *Coordinator) NotifyNewGateway(iface string) {
	select {
	case c.messages <- routeMessage{what: msgNewGateway, ifaceArg: iface}:
	default:
	}
}
