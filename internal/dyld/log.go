package dyld

import (
	"fmt"
	"os"
)

// VerboseMode turns on load tracing for every Dyld
var VerboseMode bool

func (d *Dyld) debugf(format string, args ...any) {
	if VerboseMode || d.opts.Verbose {
		fmt.Fprintf(os.Stderr, "rtdyld: "+format+"\n", args...)
	}
}
