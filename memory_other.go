//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package main

import (
	"errors"

	"github.com/xyproto/rtdyld/internal/dyld"
)

func newMappedMemory() (dyld.MemoryManager, func() error, error) {
	return nil, nil, errors.New("--map is only supported on unix systems")
}
