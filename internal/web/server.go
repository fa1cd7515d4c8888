// Package web provides the HTTP status server for the meter node and
// gateway daemons, and the gateway's provisioning endpoints.
package web

import (
	"context"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sweeney/water-meter/internal/gateway"
	"github.com/sweeney/water-meter/internal/status"
	"github.com/sweeney/water-meter/internal/wifi"
)

// Provisioner serves the gateway's provisioning requests.
type Provisioner interface {
	Provision(ctx context.Context, token string, creds wifi.Credentials) error
	Snapshot() gateway.Snapshot
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	prov       Provisioner
}

// New creates a Server that reads state from the given tracker. The
// provisioning routes are only mounted when prov is non-nil.
func New(addr string, tracker *status.Tracker, prov Provisioner) *Server {
	s := &Server{tracker: tracker, prov: prov}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	if prov != nil {
		r.HandleFunc("/device-info", s.handleDeviceInfo).Methods(http.MethodGet)
		r.HandleFunc("/provision", s.handleProvision).Methods(http.MethodPost)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handlers.LoggingHandler(log.Writer(), r),
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
