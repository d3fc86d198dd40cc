//go:build linux && amd64 && cgo

package tlsabi

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	// Go threads must be created by the C library so that %fs points at
	// a glibc thread control block.
	_ "runtime/cgo"
)

const (
	archGetFS = 0x1003

	// dtv_t is a union of a counter and {void *val; bool is_static}
	dtvEntrySize = 16

	// unallocated DTV entries hold (void *)-1
	dtvUnallocated = ^uint64(0)

	// upper bound on the module count read from dtv[-1]
	maxDTVSlots = 1 << 16
)

type dtvProbe struct{}

// HostProbe returns the probe for the running platform. On linux/amd64 it
// reads the glibc thread control block of the calling thread. The calling
// goroutine is wired to its OS thread for the rest of its life, because the
// result is only meaningful on that thread.
func HostProbe() ModuleProbe {
	return dtvProbe{}
}

func (dtvProbe) ThreadModules() (ThreadModules, error) {
	runtime.LockOSThread()

	var fs uint64
	_, _, errno := unix.Syscall(unix.SYS_ARCH_PRCTL, archGetFS, uintptr(unsafe.Pointer(&fs)), 0)
	if errno != 0 {
		return ThreadModules{}, &Error{Kind: KindProbeFailed, Message: "arch_prctl(ARCH_GET_FS)", Err: errno}
	}
	if fs == 0 {
		return ThreadModules{}, &Error{Kind: KindProbeFailed, Message: "no thread pointer"}
	}

	// tcbhead_t starts with {void *tcb; dtv_t *dtv; ...}
	dtv := readWord(fs + 8)
	if dtv == 0 {
		return ThreadModules{}, &Error{Kind: KindProbeFailed, Message: "thread has no DTV"}
	}
	cnt := readWord(dtv - dtvEntrySize)
	if cnt > maxDTVSlots {
		return ThreadModules{}, errorf(KindProbeFailed, "", "implausible DTV size %d", cnt)
	}

	tm := ThreadModules{TCB: fs, Slots: make([]ModuleSlot, cnt)}
	for i := uint64(1); i < cnt; i++ {
		val := readWord(dtv + i*dtvEntrySize)
		tm.Slots[i] = ModuleSlot{Base: val, Allocated: val != dtvUnallocated}
	}
	return tm, nil
}

func readWord(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}
