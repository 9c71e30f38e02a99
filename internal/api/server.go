// Package api implements Tangram's HTTP/2 streaming API (spec §4.8,
// §6): JSON request/response, SSE progress and event streams, and the
// framed export/import transport, all behind chi routes the way
// AKJUS-bsc-erigon layers its JSON-RPC server over chi, with CORS from
// rs/cors and per-request IDs from google/uuid the way cuemby/warren's
// API layer does.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/checkin"
	"github.com/tangramd/tangram/internal/checkout"
	"github.com/tangramd/tangram/internal/log"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/root"
	"github.com/tangramd/tangram/internal/runtime"
	"github.com/tangramd/tangram/internal/store"
)

// RequestIDHeader is the header every response carries (spec §6:
// "every response carries header x-tangram-request-id").
const RequestIDHeader = "x-tangram-request-id"

// Server bundles every subsystem the API layer dispatches into. It
// holds no state of its own beyond routing.
type Server struct {
	Store      *store.Store
	Blobs      *blob.Reader
	Builder    *blob.Builder
	Processes  *process.Queue
	Logs       *process.LogStore
	Roots      *root.Store
	Tags       *checkin.TagIndex
	Checkout   *checkout.Engine
	Bundler    *checkout.Bundler
	Dispatcher *runtime.Dispatcher

	CheckinPath string // path checked in when a POST /artifacts/checkin request names none
}

// NewRouter builds the chi router for the full API surface.
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
	}).Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/objects/{id}", func(r chi.Router) {
		r.Get("/", s.handleObjectGet)
		r.Put("/", s.handleObjectPut)
		r.Post("/push", s.handleObjectPush)
		r.Post("/pull", s.handleObjectPull)
	})

	r.Route("/builds", func(r chi.Router) {
		r.Get("/", s.handleBuildList)
		r.Post("/", s.handleBuildCreate)
		r.Post("/dequeue", s.handleBuildDequeue)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleBuildGet)
			r.Put("/", s.handleBuildPut)
			r.Post("/start", s.handleBuildStart)
			r.Get("/status", s.handleBuildStatus)
			r.Post("/touch", s.handleBuildTouch)
			r.Post("/cancel", s.handleBuildCancel)
			r.Post("/finish", s.handleBuildFinish)
			r.Get("/outcome", s.handleBuildOutcome)
			r.Get("/children", s.handleBuildChildren)
			r.Get("/log", s.handleBuildLogGet)
			r.Post("/log", s.handleBuildLogAppend)
			r.Post("/push", s.handleBuildPush)
			r.Post("/pull", s.handleBuildPull)
		})
	})

	r.Route("/roots", func(r chi.Router) {
		r.Get("/", s.handleRootList)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleRootGet)
			r.Put("/", s.handleRootPut)
			r.Delete("/", s.handleRootDelete)
		})
	})

	r.Route("/artifacts", func(r chi.Router) {
		r.Post("/checkin", s.handleArtifactCheckin)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/checkout", s.handleArtifactCheckout)
			r.Post("/bundle", s.handleArtifactBundle)
		})
	})

	r.Route("/packages", func(r chi.Router) {
		r.Get("/", s.handlePackageList)
		r.Get("/{dep}/versions", s.handlePackageVersions)
	})

	return r
}

// Serve runs the API over h2c (HTTP/2 without TLS, suitable for a
// unix socket or a local loopback listener) until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	h2s := &http2.Server{}
	handler := h2c.NewHandler(s.NewRouter(), h2s)
	srv := &http.Server{Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := context.WithValue(req.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		logger := log.WithRequestID(requestIDFrom(req.Context()))
		next.ServeHTTP(w, req)
		logger.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithRequestID(requestIDFrom(req.Context()))
				logger.Error().Interface("panic", rec).Msg("recovered from panic")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
