package cloudmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/smallbiznis/tontine/internal/config"
)

func TestNewPusherRequiresCloudMode(t *testing.T) {
	cfg := config.Config{
		Mode: config.ModeOSS,
		Cloud: config.CloudConfig{
			Metrics: config.CloudMetricsConfig{
				Enabled:  true,
				Exporter: exporterPrometheusRemoteWrite,
				Endpoint: "https://cloud.example.com/api/v1/write",
			},
		},
	}
	if pusher := NewPusher(cfg, zap.NewNop()); pusher != nil {
		t.Fatalf("expected nil pusher outside cloud mode, got %T", pusher)
	}
}

func TestNewPusherRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name     string
		exporter string
		endpoint string
	}{
		{"missing exporter", "", "https://cloud.example.com/api/v1/write"},
		{"missing endpoint", exporterPrometheusRemoteWrite, ""},
		{"invalid endpoint", exporterPrometheusRemoteWrite, "not a url"},
		{"unknown exporter", "statsd", "https://cloud.example.com/api/v1/write"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Config{
				Mode: config.ModeCloud,
				Cloud: config.CloudConfig{
					Metrics: config.CloudMetricsConfig{
						Enabled:  true,
						Exporter: tc.exporter,
						Endpoint: tc.endpoint,
					},
				},
			}
			if pusher := NewPusher(cfg, zap.NewNop()); pusher != nil {
				t.Fatalf("expected nil pusher, got %T", pusher)
			}
		})
	}
}

func TestNewPusherSelectsExporter(t *testing.T) {
	cfg := config.Config{
		Mode:        config.ModeCloud,
		AppName:     "tontine",
		Environment: "test",
		Cloud: config.CloudConfig{
			Metrics: config.CloudMetricsConfig{
				Enabled:  true,
				Exporter: exporterPrometheusRemoteWrite,
				Endpoint: "https://cloud.example.com/api/v1/write",
			},
		},
	}
	if _, ok := NewPusher(cfg, zap.NewNop()).(*RemoteWritePusher); !ok {
		t.Fatalf("expected RemoteWritePusher")
	}

	cfg.Cloud.Metrics.Exporter = exporterPrometheusPushgateway
	if _, ok := NewPusher(cfg, zap.NewNop()).(*PushgatewayPusher); !ok {
		t.Fatalf("expected PushgatewayPusher")
	}
}

func TestRemoteWritePushSendsSnappyProtobuf(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_cloud_contributions_total",
		Help: "test",
	}, []string{"tenant", "channel"})
	registry.MustRegister(counter)
	counter.WithLabelValues("tenant-7", "ussd").Add(4)

	pusher := NewRemoteWritePusher(server.URL, "secret-token")
	if err := pusher.Push(context.Background(), registry); err != nil {
		t.Fatalf("push: %v", err)
	}

	if got := gotHeaders.Get("Content-Encoding"); got != "snappy" {
		t.Fatalf("Content-Encoding = %q", got)
	}
	if got := gotHeaders.Get("X-Prometheus-Remote-Write-Version"); got != "0.1.0" {
		t.Fatalf("remote write version = %q", got)
	}
	if got := gotHeaders.Get("Authorization"); got != "Bearer secret-token" {
		t.Fatalf("Authorization = %q", got)
	}

	decoded, err := snappy.Decode(nil, gotBody)
	if err != nil {
		t.Fatalf("snappy decode: %v", err)
	}
	var req prompb.WriteRequest
	if err := req.Unmarshal(decoded); err != nil {
		t.Fatalf("proto unmarshal: %v", err)
	}
	if len(req.Timeseries) != 1 {
		t.Fatalf("expected 1 series, got %d", len(req.Timeseries))
	}

	series := req.Timeseries[0]
	labels := map[string]string{}
	for _, label := range series.Labels {
		labels[label.Name] = label.Value
	}
	if labels["__name__"] != "tontine_cloud_contributions_total" {
		t.Fatalf("series name = %q", labels["__name__"])
	}
	if labels["tenant"] != "tenant-7" || labels["channel"] != "ussd" {
		t.Fatalf("series labels = %v", labels)
	}
	if len(series.Samples) != 1 || series.Samples[0].Value != 4 {
		t.Fatalf("series samples = %v", series.Samples)
	}
}

func TestRemoteWritePushSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tontine_cloud_groups_active", Help: "test"})
	registry.MustRegister(gauge)
	gauge.Set(1)

	pusher := NewRemoteWritePusher(server.URL, "")
	if err := pusher.Push(context.Background(), registry); err == nil {
		t.Fatalf("expected error on 503 response")
	}
}

func TestRemoteWritePushSkipsEmptyRegistry(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	pusher := NewRemoteWritePusher(server.URL, "")
	if err := pusher.Push(context.Background(), prometheus.NewRegistry()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if called {
		t.Fatalf("expected no HTTP call for an empty registry")
	}
}

func TestBuildRemoteWriteSeriesSkipsUnsupportedTypes(t *testing.T) {
	families := []*dto.MetricFamily{
		{
			Name: proto.String("tontine_cloud_payouts_total"),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Label: []*dto.LabelPair{
					{Name: proto.String("tenant"), Value: proto.String("tenant-7")},
				},
				Counter: &dto.Counter{Value: proto.Float64(2)},
			}},
		},
		{
			Name: proto.String("request_duration_seconds"),
			Type: dto.MetricType_HISTOGRAM.Enum(),
			Metric: []*dto.Metric{{
				Histogram: &dto.Histogram{SampleCount: proto.Uint64(10)},
			}},
		},
	}

	series := buildRemoteWriteSeries(families, 1700000000000)
	if len(series) != 1 {
		t.Fatalf("expected histogram family to be skipped, got %d series", len(series))
	}
	if series[0].Labels[0].Name != "__name__" {
		t.Fatalf("labels must be sorted with __name__ first, got %v", series[0].Labels)
	}
	if series[0].Samples[0].Timestamp != 1700000000000 {
		t.Fatalf("timestamp = %d", series[0].Samples[0].Timestamp)
	}
}
