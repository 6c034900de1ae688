// Package cloudmetrics pushes anonymous accounting metrics from a
// self-hosted engine to Tontine Cloud. The package keeps its own registry so
// cloud accounting never mixes with the operational /metrics surface.
package cloudmetrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CloudMetrics aggregates the accounting series for one engine instance.
// A nil *CloudMetrics is valid and drops every call, so OSS deployments can
// inject it without guards at each site.
type CloudMetrics struct {
	registry *prometheus.Registry
	pusher   Pusher
	metrics  *metrics
	tenantID string
	instance string
	version  string
	log      *zap.Logger
}

type metrics struct {
	contributions *prometheus.CounterVec
	payouts       *prometheus.CounterVec
	engineErrors  *prometheus.CounterVec
	activeGroups  *prometheus.GaugeVec
	groupsTotal   *prometheus.GaugeVec
	memoryBytes   *prometheus.GaugeVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tontine_cloud_contributions_total",
			Help: "Confirmed contributions reported by this engine instance.",
		}, []string{"tenant", "channel"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tontine_cloud_payouts_total",
			Help: "Payouts reaching a terminal rail state, by status.",
		}, []string{"tenant", "status"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tontine_cloud_engine_errors_total",
			Help: "Engine operations that failed after retries.",
		}, []string{"tenant", "operation"}),
		activeGroups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tontine_cloud_groups_active",
			Help: "Groups currently in the active status.",
		}, []string{"tenant"}),
		groupsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tontine_cloud_groups_total",
			Help: "All groups ever created on this instance.",
		}, []string{"tenant"}),
		memoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tontine_cloud_instance_memory_bytes",
			Help: "Memory obtained from the OS by this engine process.",
		}, []string{"instance", "version"}),
	}

	registry.MustRegister(
		m.contributions,
		m.payouts,
		m.engineErrors,
		m.activeGroups,
		m.groupsTotal,
		m.memoryBytes,
	)
	return m
}

// New builds the accounting aggregate. A nil registry gets a private one;
// a nil pusher turns Push into a no-op, which keeps the counters usable in
// tests without a cloud endpoint.
func New(registry *prometheus.Registry, pusher Pusher, tenantID, instanceID, appVersion string, logger *zap.Logger) *CloudMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudMetrics{
		registry: registry,
		pusher:   pusher,
		metrics:  newMetrics(registry),
		tenantID: strings.TrimSpace(tenantID),
		instance: strings.TrimSpace(instanceID),
		version:  strings.TrimSpace(appVersion),
		log:      logger,
	}
}

// IncContribution counts one confirmed contribution on the given channel.
func (c *CloudMetrics) IncContribution(tenantID, channel string) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.contributions.WithLabelValues(c.tenant(tenantID), normalizeLabel(channel)).Inc()
}

// IncPayout counts one payout reaching a terminal state.
func (c *CloudMetrics) IncPayout(tenantID, status string) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.payouts.WithLabelValues(c.tenant(tenantID), normalizeLabel(status)).Inc()
}

// IncEngineError counts one operation that gave up after retries.
func (c *CloudMetrics) IncEngineError(tenantID, operation string) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.engineErrors.WithLabelValues(c.tenant(tenantID), normalizeLabel(operation)).Inc()
}

// SetActiveGroups records how many groups are currently active.
func (c *CloudMetrics) SetActiveGroups(count int64) {
	if c == nil || c.metrics == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	c.metrics.activeGroups.WithLabelValues(c.tenant("")).Set(float64(count))
}

// SetGroupsTotal records the lifetime group count.
func (c *CloudMetrics) SetGroupsTotal(count int64) {
	if c == nil || c.metrics == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	c.metrics.groupsTotal.WithLabelValues(c.tenant("")).Set(float64(count))
}

// SetMemoryUsage records the process memory footprint.
func (c *CloudMetrics) SetMemoryUsage(bytes uint64) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.memoryBytes.WithLabelValues(c.instanceLabel(), c.versionLabel()).Set(float64(bytes))
}

// Push sends the current series to the configured cloud endpoint. Without a
// pusher it does nothing, so self-hosted instances pay no cost.
func (c *CloudMetrics) Push(ctx context.Context) error {
	if c == nil || c.pusher == nil {
		return nil
	}
	return c.pusher.Push(ctx, c.registry)
}

func (c *CloudMetrics) tenant(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = c.tenantID
	}
	if tenantID == "" {
		return "self_hosted"
	}
	return tenantID
}

func (c *CloudMetrics) instanceLabel() string {
	if c.instance == "" {
		return "unknown"
	}
	return c.instance
}

func (c *CloudMetrics) versionLabel() string {
	if c.version == "" {
		return "unknown"
	}
	return c.version
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
