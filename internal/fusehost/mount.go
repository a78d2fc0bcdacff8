//go:build linux
// +build linux

package fusehost

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/plextuner/tsbengine/internal/vfile"
)

// Mount mounts the path table at mountPoint over engine and blocks until
// the process receives SIGINT/SIGTERM or the FUSE server exits on its own.
func Mount(mountPoint string, engine vfile.Interface) error {
	root := &Root{Engine: engine}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug: false,
		},
	}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Println("fusehost: unmounting")
		_ = server.Unmount()
	}()

	server.Wait()
	stop()
	return nil
}
