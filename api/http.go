// Package api wires the streaming handlers into an HTTP server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/handlers"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/middleware"
)

// ListenAndServe runs the streaming API until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, collection *handlers.StreamingHandlersCollection) error {
	router := NewStreamAPIRouter(collection)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting Stream API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// NewStreamAPIRouter builds the route table. Playable artifacts live
// under one catch-all because httprouter cannot mix static and
// parameterized siblings at the same depth.
func NewStreamAPIRouter(collection *handlers.StreamingHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withAuth := middleware.RequireUserID
	withCORS := middleware.AllowCORS

	// Simple endpoint for load balancer healthchecks
	router.GET("/ok", withLogging(func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	}))

	router.GET("/api/v1/stream/health", withLogging(withCORS(collection.Health())))

	// status is dispatched inside ChapterFile: a static /status route
	// would conflict with the catch-all in the GET tree
	router.POST("/api/v1/stream/chapters/:chapterID/preload",
		withLogging(withCORS(withAuth(collection.Preload()))))
	router.GET("/api/v1/stream/chapters/:chapterID/*file",
		withLogging(withCORS(withAuth(collection.ChapterFile()))))

	router.GET("/api/v1/stream/analytics",
		withLogging(withCORS(withAuth(collection.Analytics()))))

	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Range, Content-Type, user_id")
		w.WriteHeader(http.StatusNoContent)
	})

	return router
}
