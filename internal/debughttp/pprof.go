// Package debughttp mounts the runtime profiler on the admin listener.
package debughttp

import (
	"net/http"
	httppprof "net/http/pprof"
)

// Prefix is the path every profiler endpoint lives under.
const Prefix = "/debug/pprof/"

// Mount registers the pprof endpoints on mux. Each handler is passed through
// guard first; a nil guard leaves them open.
func Mount(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	if guard == nil {
		guard = func(h http.Handler) http.Handler { return h }
	}
	for path, fn := range map[string]http.HandlerFunc{
		Prefix:             httppprof.Index,
		Prefix + "cmdline": httppprof.Cmdline,
		Prefix + "profile": httppprof.Profile,
		Prefix + "symbol":  httppprof.Symbol,
		Prefix + "trace":   httppprof.Trace,
	} {
		mux.Handle(path, guard(fn))
	}
}
