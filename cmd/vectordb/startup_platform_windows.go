//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type diskUsage struct {
	free  uint64
	total uint64
}

func diskSpace(path string) (diskUsage, error) {
	dir, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return diskUsage{}, err
	}
	var callerFree, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(dir, &callerFree, &total, &totalFree); err != nil {
		return diskUsage{}, err
	}
	return diskUsage{free: callerFree, total: total}, nil
}

func kernelVersion() string {
	v := windows.RtlGetVersion()
	return fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}
