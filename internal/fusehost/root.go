//go:build linux
// +build linux

// Package fusehost mounts the §6 virtual-file path table onto the host
// filesystem via FUSE. It is a thin adapter: every Lookup/Read/Write call
// is forwarded straight to a vfile.Interface, keyed by flat file name.
package fusehost

import (
	"context"
	"hash/fnv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/plextuner/tsbengine/internal/vfile"
)

// Root is the single flat directory the path table is mounted under.
type Root struct {
	fs.Inode
	Engine vfile.Interface
}

var _ fs.NodeLookuper = (*Root)(nil)
var _ fs.NodeReaddirer = (*Root)(nil)

// Lookup resolves a direct child by name against the fixed §6 path table;
// there are no subdirectories.
func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for _, p := range vfile.AllPaths() {
		if p != name {
			continue
		}
		node := &FileNode{Root: r, Path: p}
		ch := r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG, Ino: ino(p)})
		out.SetEntryTimeout(time.Second)
		out.SetAttrTimeout(0)
		return ch, 0
	}
	return nil, syscall.ENOENT
}

// Readdir lists every file in the path table, constant across the process
// lifetime.
func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	paths := vfile.AllPaths()
	entries := make([]fuse.DirEntry, len(paths))
	for i, p := range paths {
		entries[i] = fuse.DirEntry{Name: p, Ino: ino(p), Mode: fuse.S_IFREG}
	}
	return fs.NewListDirStream(entries), 0
}

func ino(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}
