//go:build linux || darwin || freebsd || netbsd || openbsd

package main

import (
	"github.com/xyproto/rtdyld/internal/dyld"
	"github.com/xyproto/rtdyld/internal/memmgr"
)

func newMappedMemory() (dyld.MemoryManager, func() error, error) {
	m := memmgr.NewMapped()
	return m, m.Close, nil
}
