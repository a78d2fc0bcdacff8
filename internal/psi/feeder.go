package psi

import "github.com/plextuner/tsbengine/internal/tspacket"

// ChunkConsumer adapts the packet-oriented Window/Parser pair to the
// chunk-oriented stream-processor consumer shape (§4.6): each posted chunk
// is re-sliced into 188-byte packets and fed through the parser in order.
// Not safe for concurrent Post calls — same single-writer contract as
// Parser and Window individually.
type ChunkConsumer struct {
	window *Window
	Parser *Parser

	// OnAction, if set, is called once per parsed packet with the action
	// the parser reported — engine.New sets it to react to
	// ActionNewPATPMT/ActionNewECM/ActionNewECMT without polling State().
	OnAction func(Action)
}

// NewChunkConsumer creates a consumer over chunks of the given fixed size,
// already opened for channel.
func NewChunkConsumer(chunkSize int, channel string, opid byte) *ChunkConsumer {
	return &ChunkConsumer{
		window: NewWindow(chunkSize),
		Parser: NewParser(channel, opid),
	}
}

// Post feeds one ingress chunk through the window, draining every complete
// packet it yields into the parser before returning. A continuity error on
// one extracted packet is not fatal (§4.1-adjacent: malformed PSI sections
// are dropped, not fatal) — the window has already advanced past it, so
// draining simply continues with the next packet.
func (c *ChunkConsumer) Post(chunk []byte) {
	if !c.window.InsertChunk(chunk) {
		return
	}
	pkt := make([]byte, tspacket.Size)
	for {
		err := c.window.NextPacket(pkt)
		switch err {
		case nil:
			action := c.Parser.ParseTSPacket(pkt)
			if c.OnAction != nil {
				c.OnAction(action)
			}
		case ErrContinuity:
			continue
		default:
			return
		}
	}
}

// OnOpen resets the window (channel switch invalidates any half-buffered
// packet) and re-opens the parser for channel.
func (c *ChunkConsumer) OnOpen(channel string) {
	c.window = NewWindow(c.window.chunkSize)
	c.Parser.Open(channel)
}

// OnEndOfStream signals CDM-not-ready through the parser; PID tracking is
// reset by the next OnOpen.
func (c *ChunkConsumer) OnEndOfStream(channel string) {
	_ = channel
	c.Parser.EndOfStream()
}
