package monitoring

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the metrics of a registry over HTTP on /metrics.
type Exporter struct {
	listener net.Listener
	server   *http.Server
}

// StartExporter starts serving m on listen.
func StartExporter(listen string, m *Metrics) (*Exporter, error) {
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.Registry(), promhttp.HandlerOpts{},
	))

	e := &Exporter{
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	log.Infof("Prometheus exporter started on %v/metrics",
		listener.Addr())

	go func() {
		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the exporter down.
func (e *Exporter) Stop() error {
	return e.server.Close()
}
