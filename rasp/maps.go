//go:build (aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris) && !js

package rasp

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
)

// mappedPaths lists the file-backed mappings of process pid.
func mappedPaths(mountPoint string, pid int) ([]string, error) {
	// Hosts without a proc filesystem report fs.ErrNotExist here
	if _, err := os.Stat(filepath.Join(mountPoint, strconv.Itoa(pid))); err != nil {
		return nil, err
	}

	pfs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	proc, err := pfs.Proc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(maps))
	for _, m := range maps {
		if m.Pathname != "" {
			paths = append(paths, m.Pathname)
		}
	}
	return paths, nil
}
