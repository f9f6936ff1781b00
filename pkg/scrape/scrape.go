// Package scrape implements the MetricsClient and RpcClient
// capabilities (C5): polling a node's Prometheus metrics endpoint and
// invoking its local control RPC, grounded on the teacher's
// pkg/health.HTTPChecker fluent-builder request shape.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/cuemby/formicaio/pkg/types"
)

// MetricsClient scrapes a node's Prometheus text-format endpoint and
// converts it into NodeMetric points. ProxyAddr, when non-empty,
// overrides the endpoint host per spec.md §6's METRICS_PROXY_ADDR.
type MetricsClient struct {
	Client    *http.Client
	Timeout   time.Duration
	ProxyAddr string
}

// NewMetricsClient mirrors HTTPChecker's defaults: a 10s client
// timeout unless overridden with WithTimeout. proxyAddr overrides the
// scrape host (spec.md §6's METRICS_PROXY_ADDR); pass "" for the
// default http://127.0.0.1:<port>/metrics behavior.
func NewMetricsClient(proxyAddr string) *MetricsClient {
	return &MetricsClient{
		Client:    &http.Client{Timeout: 10 * time.Second},
		Timeout:   10 * time.Second,
		ProxyAddr: proxyAddr,
	}
}

// WithTimeout sets the client timeout, following HTTPChecker.WithTimeout.
func (c *MetricsClient) WithTimeout(d time.Duration) *MetricsClient {
	c.Timeout = d
	c.Client.Timeout = d
	return c
}

// Scrape fetches and decodes every sample exposed at the node's
// metrics endpoint into NodeMetric points stamped with now. Per
// spec.md §6: when ProxyAddr is set the endpoint becomes
// http://<ProxyAddr>/<port>/metrics; otherwise
// http://127.0.0.1:<port>/metrics.
func (c *MetricsClient) Scrape(ctx context.Context, id types.NodeID, nodeIP string, metricsPort uint16) ([]types.NodeMetric, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", metricsPort)
	if c.ProxyAddr != "" {
		url = fmt.Sprintf("http://%s/%d/metrics", c.ProxyAddr, metricsPort)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("scrape %s: unexpected status %d", url, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics from %s: %w", url, err)
	}

	now := time.Now().UnixMilli()
	var out []types.NodeMetric
	for name, family := range families {
		for _, m := range family.GetMetric() {
			value := metricValue(m)
			if value == "" {
				continue
			}
			out = append(out, types.NodeMetric{
				NodeID:      id,
				Key:         name,
				Value:       value,
				TimestampMs: now,
			})
		}
	}
	return out, nil
}

func metricValue(m *dto.Metric) string {
	switch {
	case m.GetGauge() != nil:
		return fmt.Sprintf("%v", m.GetGauge().GetValue())
	case m.GetCounter() != nil:
		return fmt.Sprintf("%v", m.GetCounter().GetValue())
	case m.GetUntyped() != nil:
		return fmt.Sprintf("%v", m.GetUntyped().GetValue())
	default:
		return ""
	}
}

// RpcClient invokes a node's local control RPC, used for
// regenerate_peer_id's post-restart handshake and any other
// in-process control calls that are not lifecycle actions (those go
// through NodeLauncher instead).
type RpcClient struct {
	Client *http.Client
}

func NewRpcClient() *RpcClient {
	return &RpcClient{Client: &http.Client{Timeout: 10 * time.Second}}
}

// WithTimeout sets the client timeout.
func (c *RpcClient) WithTimeout(d time.Duration) *RpcClient {
	c.Client.Timeout = d
	return c
}

// PeerInfo is the response shape from a node's /rpc/peer_info endpoint.
type PeerInfo struct {
	PeerID     string `json:"peer_id"`
	BinVersion string `json:"bin_version"`
}

// GetPeerInfo queries a node's control RPC for its current identity,
// used to refresh PeerID/BinVersion after start/upgrade/recycle.
func (c *RpcClient) GetPeerInfo(ctx context.Context, nodeIP string, port uint16) (PeerInfo, error) {
	url := fmt.Sprintf("http://%s:%d/rpc/peer_info", nodeIP, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PeerInfo{}, fmt.Errorf("call %s: unexpected status %d", url, resp.StatusCode)
	}

	var info PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return PeerInfo{}, fmt.Errorf("decode peer info: %w", err)
	}
	return info, nil
}
