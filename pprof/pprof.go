// Package pprof serves the runtime profiling endpoints on a dedicated
// port, kept off the public streaming listener.
package pprof

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"
)

// ListenAndServe runs the profiling server until ctx is cancelled.
func ListenAndServe(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := http.Server{Addr: fmt.Sprintf("0.0.0.0:%d", port), Handler: mux}

	ctx, cancel := context.WithCancel(ctx)
	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return fmt.Errorf("pprof listener stopped: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
