package mbcfg

import (
	"fmt"
	"net"
)

// DefaultPrometheusListen is the default address of the metrics exporter.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus configures the Prometheus exporter.
type Prometheus struct {
	// Enable indicates whether to export metrics.
	Enable bool `long:"enable" description:"Enable Prometheus exporting of multibitd metrics."`

	// Listen is the address the exporter serves /metrics on.
	Listen string `long:"listen" description:"Listen address for Prometheus to connect to (default: 127.0.0.1:8989)"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Validate checks the listen address when exporting is enabled.
//
// NOTE: Part of the Validator interface.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus.listen %q: %w", p.Listen,
			err)
	}

	return nil
}
