// Package server is the HTTP status API of a cache node.
package server

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof on the default mux
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytree/cache/treecache"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const (
	apiPrefix = "/api/v1"
	statusAPI = "/status"
)

// Server serves the status API of one cache.
type Server struct {
	cache    *treecache.Cache
	addr     string
	listener net.Listener
	srv      *http.Server
}

func NewServer(addr string, cache *treecache.Cache) *Server {
	return &Server{cache: cache, addr: addr}
}

// NewHandler returns the status API of cache with its middleware.
func NewHandler(cache *treecache.Cache) http.Handler {
	n := negroni.New(negroni.NewRecovery())
	n.Use(negroni.HandlerFunc(accessLog))
	n.UseHandler(createRouter(cache))
	return n
}

func createRouter(cache *treecache.Cache) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})
	router := mux.NewRouter()

	router.Handle(statusAPI, newStatusHandler(cache, rd)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.Handle("/chain", newChainHandler(cache, rd)).Methods("GET")

	statsHandler := newStatsHandler(cache, rd)
	api.HandleFunc("/stats", statsHandler.Get).Methods("GET")
	api.HandleFunc("/stats/reset", statsHandler.Reset).Methods("POST")

	nodeHandler := newNodeHandler(cache, rd)
	api.HandleFunc("/node", nodeHandler.Get).Methods("GET")
	api.HandleFunc("/node/children", nodeHandler.Children).Methods("GET")
	api.HandleFunc("/node/export", nodeHandler.Export).Methods("GET")

	adminHandler := newAdminHandler(cache, rd)
	api.HandleFunc("/admin/evict", adminHandler.Evict).Methods("POST")
	api.HandleFunc("/admin/gc", adminHandler.GC).Methods("POST")
	api.HandleFunc("/admin/log", adminHandler.SetLogLevel).Methods("POST")

	return router
}

func accessLog(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)
	rw, ok := w.(negroni.ResponseWriter)
	if !ok {
		return
	}
	log.Debug("status api request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rw.Status()),
		zap.Duration("took", time.Since(start)))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WithStack(err)
	}
	s.listener = l
	s.srv = &http.Server{Handler: NewHandler(s.cache)}
	go func() {
		log.Info("status server listening", zap.String("addr", l.Addr().String()))
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return errors.WithStack(s.srv.Shutdown(ctx))
}
