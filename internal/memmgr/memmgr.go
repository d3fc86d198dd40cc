// Package memmgr provides memory managers for the dyld loader: a
// synthetic one that places sections at made-up addresses, for tests and
// for preparing images for another process, and one backed by mapped
// pages of the current process.
package memmgr

import (
	"fmt"

	"github.com/xyproto/rtdyld/internal/dyld"
)

// PageSize is the granule every section starts on
const PageSize = 4096

// Block is one section handed out by a memory manager
type Block struct {
	ID       dyld.SectionID
	Name     string
	Addr     uint64
	Size     uint64
	Code     bool
	ReadOnly bool
	Data     []byte
}

// EHFrame is a registered unwind-info section
type EHFrame struct {
	Addr uint64
	Size uint64
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func checkAlign(align uint64) error {
	if align != 0 && align&(align-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", align)
	}
	return nil
}
