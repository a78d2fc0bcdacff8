// Package engine wires every subsystem (mvar bus, TSB, PSI parser,
// protection publisher, coordinator, source) into one explicit value and
// implements vfile.Interface over it (§9: "explicit Engine value created
// once at startup and passed by reference; no ambient global").
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/plextuner/tsbengine/internal/config"
	"github.com/plextuner/tsbengine/internal/coordinator"
	"github.com/plextuner/tsbengine/internal/ingress"
	"github.com/plextuner/tsbengine/internal/metrics"
	"github.com/plextuner/tsbengine/internal/mvar"
	"github.com/plextuner/tsbengine/internal/protection"
	"github.com/plextuner/tsbengine/internal/psi"
	"github.com/plextuner/tsbengine/internal/source"
	"github.com/plextuner/tsbengine/internal/tsb"
	"github.com/plextuner/tsbengine/internal/vfile"
)

// Engine is the single value holding every live subsystem. It implements
// vfile.Interface so a host only needs this one type to mount the §6 path
// table.
type Engine struct {
	cfg *config.Config

	tsb        *tsb.Consumer
	psi        *psi.ChunkConsumer
	protection *protection.Publisher
	coord      *coordinator.Coordinator
	metrics    *metrics.Registry

	switchMu    sync.Mutex
	currentURI  string
	switchStamp int64 // monotonic ms of last chan_select0 write

	handleMu sync.Mutex
	handles  map[uint64]struct{}
	nextID   uint64
}

// New constructs an Engine from cfg. It does not open any channel or start
// any loop; call Start for that.
func New(cfg *config.Config) *Engine {
	reg := metrics.New()

	tsbConsumer := tsb.New(cfg.TSBPoolCapacity, cfg.ChunkSize,
		cfg.TSBSizeBytes/uint64(cfg.ChunkSize), cfg.TailSizeBytes/uint64(cfg.ChunkSize), cfg.IndexerSampling)

	e := &Engine{
		cfg:     cfg,
		tsb:     tsbConsumer,
		metrics: reg,
		handles: make(map[uint64]struct{}),
	}

	chunkConsumer := psi.NewChunkConsumer(cfg.ChunkSize, "", cfg.OperatorID)
	chunkConsumer.OnAction = e.onPSIAction
	e.psi = chunkConsumer
	e.protection = protection.NewPublisher("", e.onProtectionChange)

	sp := coordinator.NewStreamProcessor(coordinator.NewTSBAdapter(tsbConsumer), chunkConsumer)

	pool := ingress.NewPool(cfg.IngressPoolCount, cfg.IngressBufferSize)
	queue := ingress.NewQueue(pool)

	src := e.newSource()
	e.coord = coordinator.New(queue, sp, src, cfg.ChunkSize, reg)

	log.Printf("engine: tsb capacity %s, ingress pool %s",
		humanize.Bytes(cfg.TSBSizeBytes),
		humanize.Bytes(uint64(cfg.IngressPoolCount*cfg.IngressBufferSize)))

	return e
}

// newSource picks the Demuxer variant per §6's STREAM_TYPE contract.
func (e *Engine) newSource() coordinator.Demuxer {
	switch e.cfg.StreamType {
	case "http":
		return source.NewHTTPSource()
	case "":
		return source.NewRTPSource(func(err error) {
			log.Printf("engine: fatal RTP reassembly error: %v", err)
		})
	default:
		log.Printf("engine: invalid STREAM_TYPE %q, falling back to RTP", e.cfg.StreamType)
		return source.NewRTPSource(func(err error) {
			log.Printf("engine: fatal RTP reassembly error: %v", err)
		})
	}
}

// Start launches the coordinator's loops.
func (e *Engine) Start(ctx context.Context) {
	e.coord.Start(ctx)
}

// Close tears the engine down.
func (e *Engine) Close() {
	e.coord.Close()
}

// Metrics exposes the registry so the demo host can mount /metrics.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// onPSIAction reacts to newly parsed PAT/PMT/ECM actions (§4.5) by
// republishing the raw section MVars and updating the protection config.
func (e *Engine) onPSIAction(action psi.Action) {
	switch action {
	case psi.ActionNewPATPMT:
		mvar.GetVariable[[]byte](mvar.IDPat).Set(e.psi.Parser.CurrentPAT())
		mvar.GetVariable[[]byte](mvar.IDPmt).Set(e.psi.Parser.CurrentPMT())
		e.publishProtectionCandidate()
	case psi.ActionNewECM, psi.ActionNewECMT:
		mvar.GetVariable[[]byte](mvar.IDEcm).Set(e.psi.Parser.CurrentECM())
		e.publishProtectionCandidate()
	}
}

func (e *Engine) publishProtectionCandidate() {
	p := e.psi.Parser
	confidence := protection.Low
	if p.State() == psi.StateGotECM {
		confidence = protection.High
	} else if p.CurrentPMT() != nil {
		confidence = protection.Mid
	}
	e.protection.Publish(protection.Config{
		Confidence:  confidence,
		ChannelInfo: e.uri(),
		ECM:         p.CurrentECM(),
		PAT:         p.CurrentPAT(),
		PMT:         p.CurrentPMT(),
		Clear:       p.IsClearStream(),
	})
}

func (e *Engine) onProtectionChange(cfg protection.Config) {
	export, err := json.Marshal(cfg.Export())
	if err != nil {
		log.Printf("engine: marshal drm0: %v", err)
		return
	}
	mvar.GetVariable[[]byte](mvar.IDDrm).Set(export)
}

func (e *Engine) uri() string {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()
	return e.currentURI
}

// SwitchChannel opens uri on the coordinator (§4.6 open(uri, demuxer_id)),
// resets the PSI parser and protection state for the new channel, and
// stamps chan_select_timestamp0.
func (e *Engine) SwitchChannel(ctx context.Context, uri string) error {
	reqID := uuid.New().String()
	log.Printf("engine: channel switch req=%s uri=%q", reqID, uri)

	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	if err := e.coord.Open(ctx, uri); err != nil {
		log.Printf("engine: channel switch req=%s failed: %v", reqID, err)
		return err
	}
	e.currentURI = uri
	e.protection.Publish(protection.NewReset(uri))
	e.switchStamp = time.Now().UnixMilli()
	log.Printf("engine: channel switch req=%s complete", reqID)
	return nil
}

var _ vfile.Interface = (*Engine)(nil)

// Open begins tracking a handle for path. Only stream0.ts has meaningful
// per-handle state (the TSB read offset); other paths return a handle id
// that Release simply discards.
func (e *Engine) Open(_ context.Context, _ string) (uint64, error) {
	e.handleMu.Lock()
	defer e.handleMu.Unlock()
	e.nextID++
	id := e.nextID
	e.handles[id] = struct{}{}
	return id, nil
}

// Release drops a handle's tracked state.
func (e *Engine) Release(handle uint64, path string) error {
	e.handleMu.Lock()
	delete(e.handles, handle)
	e.handleMu.Unlock()
	if path == vfile.PathStream {
		e.tsb.Release(handle)
	}
	return nil
}

// GetSize answers a stat() call without opening a handle.
func (e *Engine) GetSize(path string) (int64, error) {
	switch path {
	case vfile.PathStream:
		return vfile.MaxFileSize, nil
	default:
		return 0, nil
	}
}

// Read dispatches by path (§6).
func (e *Engine) Read(_ context.Context, handle uint64, path string, dst []byte, _ uint64) (int, error) {
	switch path {
	case vfile.PathStream:
		return e.tsb.ReadData(handle, dst), nil
	case vfile.PathChanSelect:
		return copy(dst, e.uri()), nil
	case vfile.PathChanSelectTime:
		e.switchMu.Lock()
		stamp := e.switchStamp
		e.switchMu.Unlock()
		return copy(dst, strconv.FormatInt(stamp, 10)), nil
	case vfile.PathPlayerState:
		return copy(dst, e.tsb.GetPlayerState().String()), nil
	case vfile.PathSeek:
		return copy(dst, e.seekLine()), nil
	case vfile.PathTrickPlay:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDTrickPlay).Get()), nil
	case vfile.PathFlush:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDFlush).Get()), nil
	case vfile.PathDRM:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDDrm).Get()), nil
	case vfile.PathECM:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDEcm).Get()), nil
	case vfile.PathPAT:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDPat).Get()), nil
	case vfile.PathPMT:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDPmt).Get()), nil
	case vfile.PathCDMReady:
		cell := mvar.GetVariable[[]byte](mvar.IDCdm)
		if len(cell.Get()) == 0 {
			return copy(dst, "0"), nil
		}
		return copy(dst, cell.Get()), nil
	case vfile.PathStreamStatus:
		return copy(dst, mvar.GetVariable[[]byte](mvar.IDBufferSrcLost).Get()), nil
	default:
		return 0, fmt.Errorf("engine: unknown path %q", path)
	}
}

// seekLine formats seek0's "cur,max,off,actual,capacity" (§6), seconds for
// the first two fields and bytes for the rest.
func (e *Engine) seekLine() string {
	curMs := e.tsb.GetSeekTime()
	maxMs := e.tsb.GetMaxSeekTime()
	return fmt.Sprintf("%d,%d,%d,%d,%d",
		curMs/1000, maxMs/1000,
		e.tsb.GetSeekOffset(),
		e.tsb.GetActualBufferByteSize(),
		e.tsb.GetBufferCapacityByteSize())
}

// Write dispatches by path (§6).
func (e *Engine) Write(ctx context.Context, path string, data []byte) (int, error) {
	value := strings.TrimSpace(string(data))
	switch path {
	case vfile.PathChanSelect:
		if err := e.SwitchChannel(ctx, value); err != nil {
			return 0, err
		}
	case vfile.PathPlayerState:
		if err := e.setPlayerState(value); err != nil {
			return 0, err
		}
	case vfile.PathSeek:
		seconds, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("engine: seek0 write %q: %w", value, err)
		}
		e.tsb.SetSeekTime(seconds * 1000)
	case vfile.PathTrickPlay:
		speed, err := strconv.ParseInt(value, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("engine: trick_play0 write %q: %w", value, err)
		}
		e.tsb.SetTrickPlaySpeed(int16(speed))
	case vfile.PathFlush:
		mvar.GetVariable[[]byte](mvar.IDFlush).Set([]byte("flush requested"))
	case vfile.PathCDMReady:
		mvar.GetVariable[[]byte](mvar.IDCdm).Set([]byte(value))
	default:
		return 0, fmt.Errorf("engine: path %q is not writable", path)
	}
	return len(data), nil
}

func (e *Engine) setPlayerState(value string) error {
	switch strings.ToUpper(value) {
	case "UNDEF":
		e.tsb.SetPlayerState(tsb.StateUndef)
	case "READY":
		e.tsb.SetPlayerState(tsb.StateReady)
	case "PLAYING":
		e.tsb.SetPlayerState(tsb.StatePlaying)
	case "PAUSED":
		e.tsb.SetPlayerState(tsb.StatePaused)
	default:
		return fmt.Errorf("engine: player_state0 write %q: unknown state", value)
	}
	return nil
}
