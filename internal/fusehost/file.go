//go:build linux
// +build linux

package fusehost

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/plextuner/tsbengine/internal/vfile"
)

// FileNode is one entry from the §6 path table. It holds no state of its
// own; every operation forwards to Root.Engine keyed by Path.
type FileNode struct {
	fs.Inode
	Root *Root
	Path string
}

var _ fs.NodeGetattrer = (*FileNode)(nil)
var _ fs.NodeOpener = (*FileNode)(nil)
var _ fs.NodeReader = (*FileNode)(nil)
var _ fs.NodeWriter = (*FileNode)(nil)
var _ fs.NodeReleaser = (*FileNode)(nil)

// openHandle carries the engine-assigned handle id across Open/Read/Release.
type openHandle struct {
	id uint64
}

func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	size, err := f.Root.Engine.GetSize(f.Path)
	if err != nil {
		return syscall.EIO
	}
	out.Size = uint64(size)
	out.Mode = fuse.S_IFREG | 0444
	if vfile.Writable(f.Path) {
		out.Mode = fuse.S_IFREG | 0644
	}
	out.SetTimes(nil, &time.Time{}, nil)
	return 0
}

// Open is forced direct-I/O: these files are live process state, not
// cacheable page-cache-backed content.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	handle, err := f.Root.Engine.Open(ctx, f.Path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &openHandle{id: handle}, fuse.FOPEN_DIRECT_IO, 0
}

func (f *FileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*openHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	n, err := f.Root.Engine.Read(ctx, h.id, f.Path, dest, uint64(off))
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *FileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if !vfile.Writable(f.Path) {
		return 0, syscall.EROFS
	}
	n, err := f.Root.Engine.Write(ctx, f.Path, data)
	if err != nil {
		return 0, syscall.EINVAL
	}
	return uint32(n), 0
}

func (f *FileNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	if h, ok := fh.(*openHandle); ok {
		_ = f.Root.Engine.Release(h.id, f.Path)
	}
	return 0
}
