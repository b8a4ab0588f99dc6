package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VanDung-dev/voidnet/arrow"
	"github.com/VanDung-dev/voidnet/network"
)

const (
	arrowContentType = "application/vnd.apache.arrow.stream"
	shutdownTimeout  = 5 * time.Second
)

// NodeSource is the part of a node the operator surfaces read from.
type NodeSource interface {
	Status() network.Status
	NetworkMap() map[string][]string
	Edges() []network.Edge
	NewestEvents() []network.Message
}

// MapView is the JSON body of /map.
type MapView struct {
	Nodes map[string][]string `json:"nodes"`
	Edges []network.Edge      `json:"edges"`
}

// StatusServer serves metrics, health and topology of a node over HTTP.
type StatusServer struct {
	node     NodeSource
	metrics  *Metrics
	gatherer prometheus.Gatherer
	codec    *arrow.Codec
	logger   *slog.Logger
	server   *http.Server
}

// NewStatusServer creates a status server on the given address. metrics may
// be nil; a nil gatherer uses the default registry.
func NewStatusServer(addr string, node NodeSource, metrics *Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *StatusServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &StatusServer{
		node:     node,
		metrics:  metrics,
		gatherer: gatherer,
		codec:    arrow.NewCodec(),
		logger:   logger.With("component", "status"),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()

	metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics != nil {
			s.metrics.UpdateLoop(s.node.Status().Loop)
		}
		metrics.ServeHTTP(w, r)
	})

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /map", s.handleMap)
	mux.HandleFunc("GET /map.arrow", s.handleMapArrow)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events.arrow", s.handleEventsArrow)

	return mux
}

// Serve accepts connections on ln until the server is stopped.
func (s *StatusServer) Serve(ln net.Listener) error {
	s.logger.Info("status server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *StatusServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ln)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down status server: %w", err)
	}
	return <-done
}

// Stop closes the server immediately.
func (s *StatusServer) Stop() error {
	return s.server.Close()
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.node.Status().Running {
		http.Error(w, "STOPPED", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.node.Status())
}

func (s *StatusServer) handleMap(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, MapView{
		Nodes: s.node.NetworkMap(),
		Edges: s.node.Edges(),
	})
}

func (s *StatusServer) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events := s.node.NewestEvents()
	if events == nil {
		events = []network.Message{}
	}
	s.writeJSON(w, events)
}

func (s *StatusServer) handleMapArrow(w http.ResponseWriter, _ *http.Request) {
	data, err := s.codec.EncodeEdges(s.node.Edges())
	s.writeArrow(w, data, err)
}

func (s *StatusServer) handleEventsArrow(w http.ResponseWriter, _ *http.Request) {
	data, err := s.codec.EncodeEvents(s.node.NewestEvents())
	s.writeArrow(w, data, err)
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *StatusServer) writeArrow(w http.ResponseWriter, data []byte, err error) {
	if err != nil {
		s.logger.Error("failed to encode arrow stream", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", arrowContentType)
	_, _ = w.Write(data)
}
