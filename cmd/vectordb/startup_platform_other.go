//go:build !unix && !windows

package main

import "errors"

type diskUsage struct {
	free  uint64
	total uint64
}

func diskSpace(string) (diskUsage, error) {
	return diskUsage{}, errors.New("not supported on this platform")
}

func kernelVersion() string { return "" }
