// Package psi implements the PAT/PMT/ECM state machine (§4.5): a
// two-chunk sliding window that re-slices arbitrary-size ingress chunks
// into fixed 188-byte TS packets, and a parser that tracks PAT/PMT version
// changes, locates a Verimatrix CA descriptor, and reassembles a
// multi-packet ECM table.
package psi

import (
	"bytes"
	"errors"

	"github.com/plextuner/tsbengine/internal/tspacket"
)

// Action is the per-packet outcome the parser reports to its caller.
type Action int

const (
	ActionError Action = iota
	ActionIgnore
	ActionDrop
	ActionDecryptOdd
	ActionDecryptEven
	ActionNewECM
	ActionNewECMT
	ActionNewPATPMT
)

func (a Action) String() string {
	switch a {
	case ActionError:
		return "error"
	case ActionIgnore:
		return "ignore"
	case ActionDrop:
		return "drop"
	case ActionDecryptOdd:
		return "decrypt_odd"
	case ActionDecryptEven:
		return "decrypt_even"
	case ActionNewECM:
		return "new_ecm"
	case ActionNewECMT:
		return "new_ecmt"
	case ActionNewPATPMT:
		return "new_pat_pmt"
	default:
		return "unknown"
	}
}

// State tracks how far the parser has progressed toward a usable
// protection config for the current channel.
type State int

const (
	StateInvalid State = iota
	StateNeedsPAT
	StateNeedsPMT
	StateNeedsVMXPMT
	StateNeedsECM
	StateGotECM
	StateNoECM
)

const (
	invalidPID = 0x1FFF + 1
	maxPID     = 0x1FFF
	caDescLen  = 6
)

// ErrNotEnoughData and ErrContinuity are the two non-fatal window read
// outcomes; a nil error means a packet was produced.
var (
	ErrNotEnoughData = errors.New("psi: not enough data")
	ErrContinuity    = errors.New("psi: continuity error")
)

// Window re-slices a stream of fixed-size ingress chunks into 188-byte TS
// packets, holding at most two chunks at a time (so a packet straddling a
// chunk boundary can always be reassembled from the two halves).
type Window struct {
	chunkSize int
	chunks    [][]byte
	pointer   int
}

// NewWindow creates a window over chunks of the given fixed size.
func NewWindow(chunkSize int) *Window {
	return &Window{chunkSize: chunkSize}
}

// NeedsNewChunk reports whether the window has room for another chunk.
func (w *Window) NeedsNewChunk() bool {
	return len(w.chunks) < 2
}

// InsertChunk appends a chunk, failing if the window already holds two.
func (w *Window) InsertChunk(chunk []byte) bool {
	if len(w.chunks) == 2 {
		return false
	}
	w.chunks = append(w.chunks, chunk)
	return true
}

// NextPacket extracts the next 188-byte TS packet into dst (which must be
// at least tspacket.Size long). It returns ErrNotEnoughData when fewer than
// one full packet remains buffered, or ErrContinuity when a full packet was
// extracted but its sync byte is wrong.
func (w *Window) NextPacket(dst []byte) error {
	if len(w.chunks) == 0 || (len(w.chunks) == 1 && (w.chunkSize-w.pointer) < tspacket.Size) {
		return ErrNotEnoughData
	}

	if w.chunkSize-w.pointer >= tspacket.Size {
		copy(dst, w.chunks[0][w.pointer:w.pointer+tspacket.Size])
		w.pointer += tspacket.Size
		if w.pointer == w.chunkSize {
			w.chunks = w.chunks[1:]
			w.pointer = 0
		}
	} else {
		firstSeq := w.chunkSize - w.pointer
		secondSeq := tspacket.Size - firstSeq
		copy(dst[:firstSeq], w.chunks[0][w.pointer:w.pointer+firstSeq])
		copy(dst[firstSeq:], w.chunks[1][:secondSeq])
		w.pointer = secondSeq
		w.chunks = w.chunks[1:]
	}

	if dst[0] != tspacket.SyncByte {
		return ErrContinuity
	}
	return nil
}

// pidInfo tracks one PID's validity, version, and last-seen section bytes.
type pidInfo struct {
	pid          uint32
	version      uint32
	pidValid     bool
	versionValid bool
	packet       []byte
}

func newPidInfo(pid uint32) *pidInfo {
	return &pidInfo{pid: pid, pidValid: pid <= maxPID}
}

func (p *pidInfo) setPid(pid uint32) bool {
	if p.pidValid {
		return false
	}
	p.pid = pid
	p.pidValid = pid <= maxPID
	return p.pidValid
}

func (p *pidInfo) reset() {
	p.pid = invalidPID
	p.version = 0
	p.versionValid = false
	p.pidValid = false
	p.packet = nil
}

func (p *pidInfo) isNew(v uint32) bool {
	if !p.pidValid {
		return false
	}
	if !p.versionValid {
		return true
	}
	return p.version != v
}

func (p *pidInfo) setVer(v uint32) bool {
	if !p.pidValid {
		return false
	}
	p.version = v
	p.versionValid = true
	return true
}

func (p *pidInfo) isPid(pid uint32) bool {
	if !p.pidValid {
		return false
	}
	return pid == p.pid
}

func (p *pidInfo) getPid() uint32 {
	if !p.pidValid {
		return invalidPID
	}
	return p.pid
}

func (p *pidInfo) hasPid() bool { return p.getPid() != invalidPID }

func (p *pidInfo) processed() bool { return p.versionValid }

func (p *pidInfo) setPacket(section []byte) {
	p.packet = append([]byte(nil), section...)
}

func (p *pidInfo) patData() ([]byte, bool) {
	if p.pid == invalidPID || len(p.packet) == 0 || p.packet[0] != 0x0 {
		return nil, false
	}
	return p.packet, true
}

func (p *pidInfo) pmtData() ([]byte, bool) {
	if p.pid == invalidPID || len(p.packet) == 0 || p.packet[0] != 0x2 {
		return nil, false
	}
	return p.packet, true
}

// Parser is the PAT/PMT/ECM state machine for one channel's PSI PIDs.
type Parser struct {
	channel       string
	opid          byte
	pat           *pidInfo
	pmt           *pidInfo
	ecm           *pidInfo
	isClearStream bool
	state         State

	ecmTable      []byte
	tempCollected []byte
	collecting    bool
	collectedLen  int
	collectedWant int

	// OnCDMSetupDone, if set, is invoked whenever the CDM-ready signal
	// changes: true once a clear (undescrambled) PMT is confirmed, false
	// when the channel is torn down via EndOfStream.
	OnCDMSetupDone func(bool)
}

// NewParser creates a parser already reset for channel (equivalent to the
// original's onOpen), with opid used to filter multi-operator CA
// descriptors (0 accepts any operator).
func NewParser(channel string, opid byte) *Parser {
	p := &Parser{opid: opid}
	p.Open(channel)
	return p
}

// EndOfStream signals CDM-not-ready, mirroring the original teardown's reset
// of the CDM flag. PID tracking is left as it is until the next Open.
func (p *Parser) EndOfStream() {
	if p.OnCDMSetupDone != nil {
		p.OnCDMSetupDone(false)
	}
}

// Open resets all PID tracking for a (re)started channel.
func (p *Parser) Open(channel string) {
	p.channel = channel
	p.resetCollectionState()
	p.ecmTable = nil
	p.ecm = newPidInfo(invalidPID)
	p.pmt = newPidInfo(invalidPID)
	p.pat = newPidInfo(invalidPID)
	p.pat.setPid(0)
	p.isClearStream = false
	p.state = StateNeedsPAT
}

func (p *Parser) resetCollectionState() {
	p.collectedLen = 0
	p.collectedWant = 0
	p.tempCollected = nil
	p.collecting = false
}

// State returns the parser's current progress state.
func (p *Parser) State() State { return p.state }

// IsClearStream reports whether the channel's PMT carried no CA descriptor.
func (p *Parser) IsClearStream() bool { return p.isClearStream }

// CurrentECM, CurrentPAT and CurrentPMT return the most recently captured
// section bytes for each table (nil if not yet seen).
func (p *Parser) CurrentECM() []byte { return p.ecmTable }

func (p *Parser) CurrentPAT() []byte {
	if b, ok := p.pat.patData(); ok {
		return b
	}
	return nil
}

func (p *Parser) CurrentPMT() []byte {
	src := p.pmt
	if p.isClearStream {
		src = p.pmt
	} else {
		src = p.ecm
	}
	if b, ok := src.pmtData(); ok {
		return b
	}
	return nil
}

// ParseTSPacket classifies and processes one 188-byte TS packet, updating
// internal state and returning the action the caller should react to.
func (p *Parser) ParseTSPacket(pkt []byte) Action {
	pid := uint32(tspacket.PID(pkt))

	if p.pat.isPid(pid) {
		action := p.parsePAT(pkt)
		if p.state == StateNeedsPAT && p.pat.processed() && p.pmt.hasPid() {
			p.state = StateNeedsPMT
		}
		return action
	}

	if p.pmt.isPid(pid) {
		action := p.parsePMT(pkt)
		if !p.pmt.processed() {
			return action
		}
		switch p.state {
		case StateNeedsPMT, StateNeedsVMXPMT, StateNoECM:
			if !p.isClearStream {
				if p.ecm.hasPid() {
					p.state = StateNeedsECM
				} else {
					p.state = StateNeedsVMXPMT
				}
			}
		case StateNeedsECM, StateGotECM:
			if p.isClearStream {
				p.state = StateNoECM
				p.ecm.reset()
			}
		}
		return action
	}

	if p.ecm.isPid(pid) {
		action := p.parseECM(pkt)
		// An encrypted PMT leaves the parser in StateNeedsECM; the first
		// fully processed ECM completes the chain.
		if p.state == StateNeedsECM && p.ecm.processed() {
			p.state = StateGotECM
		}
		return action
	}

	return p.parseOther(pkt)
}

func (p *Parser) parsePAT(pkt []byte) Action {
	if !p.pat.isPid(uint32(tspacket.PID(pkt))) {
		return ActionIgnore
	}

	var offs int
	if pkt[3]&0x30 == 0x30 {
		offs = int(pkt[4]) + 1
	} else {
		offs = int(pkt[4])
	}
	if offs > 184 || offs+19 >= len(pkt) {
		return ActionError
	}
	if pkt[offs+5] != 0x0 {
		return ActionError
	}

	version := uint32(pkt[offs+10]&0x3E) >> 1
	if p.pat.isNew(version) {
		p.pmt.reset()
		p.ecm.reset()
		p.pat.setVer(version)

		pgm := (int(pkt[offs+13])<<8 + int(pkt[offs+14])) & 0x1FFF
		var pmtPid int
		if pgm == 0 {
			pmtPid = (int(pkt[offs+17])<<8 + int(pkt[offs+18])) & 0x1FFF
		} else {
			pmtPid = (int(pkt[offs+15])<<8 + int(pkt[offs+16])) & 0x1FFF
		}
		p.pmt.setPid(uint32(pmtPid))
		p.pat.setPacket(pkt[5:])
	}
	return ActionIgnore
}

func (p *Parser) parsePMT(pkt []byte) Action {
	if !p.pmt.isPid(uint32(tspacket.PID(pkt))) {
		return ActionIgnore
	}

	var offs int
	if pkt[3]&0x30 == 0x30 {
		offs = int(pkt[4]) + 1
	}
	if offs > 184 || offs+17 >= len(pkt) {
		return ActionError
	}
	if pkt[offs+5] != 0x2 {
		return ActionError
	}

	sectionLen := (int(pkt[offs+6])<<8 + int(pkt[offs+7])) & 0xFFF
	descriptorLen := (int(pkt[offs+15])<<8 + int(pkt[offs+16])) & 0x0FFF
	if descriptorLen > sectionLen {
		return ActionError
	}
	remSectBytes := sectionLen - 9
	version := uint32(pkt[offs+10]&0x3E) >> 1

	if !p.pmt.isNew(version) {
		return ActionIgnore
	}
	p.pmt.setVer(version)

	descriptorFound := false
	descStart := offs + 17
	pLen := descriptorLen
	remSectBytes -= pLen
	descOff := 0
	for pLen > 0 {
		idx := descStart + descOff
		if idx+1 >= len(pkt) {
			return ActionIgnore
		}
		dtLen := int(pkt[idx+1]) + 2
		if dtLen > tspacket.Size {
			return ActionIgnore
		}
		if pkt[idx] == 0x09 && idx+5 < len(pkt) && pkt[idx+2] == 0x56 && pkt[idx+3] == 0x01 {
			descriptorFound = true
			accepted := false
			if dtLen > caDescLen {
				extOff := idx + caDescLen
				extLen := dtLen - caDescLen
				if extLen >= 2 && extOff+1 < len(pkt) {
					accepted = p.opid == 0 || p.opid == pkt[extOff+1]
				}
			} else {
				accepted = true
			}
			if accepted {
				ecmPid := uint32((int(pkt[idx+4])<<8 + int(pkt[idx+5])) & 0x1FFF)
				if !p.ecm.isPid(ecmPid) {
					p.ecm.reset()
					p.ecm.setPid(ecmPid)
					p.ecm.setPacket(pkt[5:])
				}
				break
			}
		}
		pLen -= dtLen
		descOff += dtLen
	}

	streamLoopStart := descStart + descriptorLen
	q := 0
	for remSectBytes > 4 {
		idx := streamLoopStart + q
		if idx+4 >= len(pkt) {
			break
		}
		q++ // stream_type byte
		q += 2 // elementary_PID
		esInfoLen := (int(pkt[streamLoopStart+q])<<8 + int(pkt[streamLoopStart+q+1])) & 0xFFF
		q += 2

		ecmPidSet := false
		for descOffset := 0; esInfoLen >= 6 && descOffset <= esInfoLen-6; {
			di := streamLoopStart + q + descOffset
			if di+5 >= len(pkt) {
				break
			}
			if pkt[di] == 0x09 && pkt[di+2] == 0x56 && pkt[di+3] == 0x01 {
				descriptorFound = true
				ecmPid := uint32((int(pkt[di+4])<<8 + int(pkt[di+5])) & 0x1FFF)
				if !p.ecm.isPid(ecmPid) {
					p.ecm.reset()
					p.ecm.setPid(ecmPid)
					p.ecm.setPacket(pkt[5:])
					ecmPidSet = true
					break
				}
			}
			descOffset += int(pkt[di+1]) + 2
		}
		if ecmPidSet {
			break
		}
		q += esInfoLen
		remSectBytes -= esInfoLen + 5
	}

	p.isClearStream = !descriptorFound
	action := ActionIgnore
	if p.isClearStream {
		action = ActionNewPATPMT
		p.pmt.setPacket(pkt[5:])
		if p.OnCDMSetupDone != nil {
			p.OnCDMSetupDone(true)
		}
	}
	return action
}

func (p *Parser) parseECM(pkt []byte) Action {
	if !p.ecm.isPid(uint32(tspacket.PID(pkt))) {
		return ActionIgnore
	}
	if p.collecting {
		return p.collectECM(pkt)
	}

	a := 0
	if pkt[3]&0x30 == 0x30 {
		a = int(pkt[4]) + 1
	}
	if a > 184 {
		return ActionError
	}

	tableStart := 5 + a
	remaining := tspacket.Size - tableStart
	if remaining < 13 || tableStart+12 >= len(pkt) {
		return ActionError
	}
	table := pkt[tableStart:]

	version := uint32(table[5]&0x3E) >> 1
	if table[0] != 0x80 && table[0] != 0x81 {
		return ActionError
	}
	if !bytes.Equal(table[8:13], []byte("VMECM")) {
		return ActionIgnore
	}

	tableLen := (int(table[1]&0x0F) << 8) + int(table[2]) + 3

	p.tempCollected = make([]byte, tableLen)
	p.collecting = false
	p.collectedWant = 0
	p.collectedLen = 0

	copyLen := tableLen
	if remaining < copyLen {
		copyLen = remaining
	}
	copy(p.tempCollected, table[:copyLen])

	p.collecting = true
	p.collectedWant = tableLen
	p.collectedLen = copyLen

	if p.collectedWant > p.collectedLen {
		return ActionIgnore
	}

	if p.ecm.isNew(version) {
		p.ecm.setVer(version)
		p.ecmTable = p.tempCollected
		p.resetCollectionState()
		return ActionNewECM
	}
	p.resetCollectionState()
	return ActionIgnore
}

func (p *Parser) collectECM(pkt []byte) Action {
	if !p.ecm.isPid(uint32(tspacket.PID(pkt))) {
		return ActionError
	}

	a := 0
	if pkt[3]&0x30 == 0x30 {
		a = int(pkt[4]) + 1
	}
	if a > 184 {
		return ActionError
	}

	remaining := tspacket.Size - (4 + a)
	need := p.collectedWant - p.collectedLen
	if remaining > need {
		remaining = need
	}
	if 4+a+remaining > len(pkt) || p.collectedLen+remaining > len(p.tempCollected) {
		return ActionError
	}

	version := uint32(p.tempCollected[5]&0x3E) >> 1
	copy(p.tempCollected[p.collectedLen:p.collectedLen+remaining], pkt[4+a:4+a+remaining])
	p.collectedLen += remaining

	if p.collectedLen != p.collectedWant {
		return ActionIgnore
	}

	if p.ecm.isNew(version) {
		p.ecm.setVer(version)
		p.ecmTable = p.tempCollected
		p.resetCollectionState()
		return ActionNewECMT
	}
	p.resetCollectionState()
	return ActionIgnore
}

func (p *Parser) parseOther(pkt []byte) Action {
	if tspacket.TransportScrambled(pkt) {
		if pkt[3]&0xC0 == 0x80 {
			return ActionDecryptEven
		}
		return ActionDecryptOdd
	}
	return ActionIgnore
}
