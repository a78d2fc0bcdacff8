package source

import "github.com/plextuner/tsbengine/internal/rtp"

// newReassembler adapts the shared RTP reassembler into the func([]byte)
// shape readLoop expects, so datagrams handed to it are de-jittered before
// reaching push.
func newReassembler(push func([]byte), onFatal func(error)) func([]byte) {
	r := rtp.New(push)
	r.Fatal = onFatal
	return func(datagram []byte) {
		r.Process(datagram)
	}
}
