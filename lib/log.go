package lib

import (
	"flag"
	"log"
)

var trace bool

func init() {
	flag.BoolVar(&trace, "epi.trace", false, "trace node internals")
}

// Log prints a trace line when tracing is enabled with -epi.trace.
func Log(f string, a ...interface{}) {
	if trace {
		log.Printf(f, a...)
	}
}
