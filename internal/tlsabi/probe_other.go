//go:build !(linux && amd64 && cgo)

package tlsabi

import "runtime"

// HostProbe returns the probe for the running platform. Only linux/amd64
// with cgo can read the thread control block; elsewhere every lookup fails
// with ErrProbeUnsupported and callers inject a probe.
func HostProbe() ModuleProbe {
	return ProbeFunc(func() (ThreadModules, error) {
		return ThreadModules{}, errorf(KindProbeUnsupported, "", "%s/%s", runtime.GOOS, runtime.GOARCH)
	})
}
