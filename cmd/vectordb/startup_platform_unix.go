//go:build unix

package main

import (
	"bytes"

	"golang.org/x/sys/unix"
)

type diskUsage struct {
	free  uint64
	total uint64
}

// diskSpace reports space available to unprivileged writers on path's filesystem.
func diskSpace(path string) (diskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return diskUsage{}, err
	}
	bsize := uint64(st.Bsize)
	return diskUsage{free: st.Bavail * bsize, total: st.Blocks * bsize}, nil
}

func kernelVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	release := uts.Release[:]
	if i := bytes.IndexByte(release, 0); i >= 0 {
		release = release[:i]
	}
	return string(release)
}
