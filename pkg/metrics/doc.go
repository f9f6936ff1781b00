// Package metrics defines and registers formicaio's Prometheus
// metrics and exposes the /metrics, /health, /ready and /live HTTP
// handlers. Metric names are prefixed formicaio_; see metrics.go for
// the full list.
package metrics
