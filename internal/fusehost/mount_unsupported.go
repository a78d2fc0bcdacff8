//go:build !linux
// +build !linux

package fusehost

import (
	"fmt"

	"github.com/plextuner/tsbengine/internal/vfile"
)

// Mount is unavailable on non-Linux builds because fusehost depends on go-fuse.
func Mount(mountPoint string, engine vfile.Interface) error {
	return fmt.Errorf("fusehost mount is only supported on linux builds")
}
