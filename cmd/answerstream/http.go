package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/answerstream/features/transport/sse"
)

func handleHTTPServer(ctx context.Context, addr string, srv *sse.Server, chk health.Checker, wg *sync.WaitGroup, errc chan error, dbg bool) {
	// Build the HTTP request multiplexer and mount debug and profiler
	// endpoints in debug mode.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			debug.MountPprofHandlers(debug.Adapt(mux))
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}
	srv.Mount(mux)
	mux.Handle("GET", "/healthz", health.Handler(chk))

	// Bodies are not logged in debug mode: answer streams must flush as they
	// are written.
	handler := log.HTTP(ctx)(mux)

	// Answer streams are long lived: only the header read is bounded. Open
	// streams end when ctx is canceled; their answers keep running.
	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	for _, m := range srv.Mounts {
		log.Printf(ctx, "HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}
	log.Printf(ctx, "HTTP \"Health\" mounted on GET /healthz")

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := hs.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
