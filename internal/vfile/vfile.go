// Package vfile defines the mount-agnostic virtual-file surface (§6): a
// flat namespace of named files the engine exposes to whatever host reads
// and writes them. The FUSE mount in internal/fusehost is one such host; tests
// and other hosts are free to call Interface directly without a mount.
package vfile

import "context"

// MaxFileSize is reported as the size of stream0.ts so seekable readers
// treat it as an effectively unbounded "infinite" file.
const MaxFileSize = int64(1<<63 - 1)

// Path names the flat files the engine exposes (§6).
const (
	PathStream         = "stream0.ts"
	PathChanSelect     = "chan_select0"
	PathChanSelectTime = "chan_select_timestamp0"
	PathPlayerState    = "player_state0"
	PathSeek           = "seek0"
	PathTrickPlay      = "trick_play0"
	PathFlush          = "flush0"
	PathDRM            = "drm0"
	PathECM            = "ecm0"
	PathPAT            = "pat0"
	PathPMT            = "pmt0"
	PathCDMReady       = "cdm_ready0"
	PathStreamStatus   = "stream_status"
)

// Interface is the surface a host mounts. Paths are flat names (§6); a
// host unaware of the underlying engine only needs to route by path.
//
// Open begins tracking a new handle for path and returns its id. Read and
// Write address an existing handle. Release drops per-handle state;
// GetSize answers stat() calls without opening a handle.
type Interface interface {
	Open(ctx context.Context, path string) (handle uint64, err error)
	Read(ctx context.Context, handle uint64, path string, dst []byte, offset uint64) (int, error)
	Write(ctx context.Context, path string, data []byte) (int, error)
	Release(handle uint64, path string) error
	GetSize(path string) (int64, error)
}

// Writable reports whether path accepts Write calls (§6), so a mount host
// can set file permissions without asking the engine to reject a probe
// write at open time.
func Writable(path string) bool {
	switch path {
	case PathChanSelect, PathPlayerState, PathSeek, PathTrickPlay, PathFlush, PathCDMReady:
		return true
	default:
		return false
	}
}

// AllPaths lists every file the §6 table exposes, in the order a
// directory listing should present them.
func AllPaths() []string {
	return []string{
		PathStream,
		PathChanSelect,
		PathChanSelectTime,
		PathPlayerState,
		PathSeek,
		PathTrickPlay,
		PathFlush,
		PathDRM,
		PathECM,
		PathPAT,
		PathPMT,
		PathCDMReady,
		PathStreamStatus,
	}
}
