package service

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers /healthz while a run is in progress.
type HealthzServer struct {
	log    log.Logger
	server *http.Server
	ready  atomic.Bool
}

func NewHealthzServer(logger log.Logger) *HealthzServer {
	if logger == nil {
		logger = log.Root()
	}
	h := &HealthzServer{log: logger}
	h.server = &http.Server{Handler: h.Handler()}
	return h
}

// Handler returns the CORS wrapped health handler.
func (h *HealthzServer) Handler() http.Handler {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(hdlr)
}

// Start serves on the listener until Shutdown.
func (h *HealthzServer) Start(ln net.Listener) error {
	h.ready.Store(true)
	return h.server.Serve(ln)
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.ready.Store(false)
	return h.server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	if !h.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
