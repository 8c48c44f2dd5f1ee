package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"

	defaultPushInterval = time.Minute
	defaultPushTimeout  = 5 * time.Second
)

// PushConfig configures pushing the Prometheus registry to an external store
// for deployments where /metrics is not scraped.
type PushConfig struct {
	Exporter    string
	Endpoint    string
	AuthToken   string
	Interval    time.Duration
	Job         string
	Environment string
}

// Pusher sends the gathered registry to a remote endpoint.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

// NewPusher returns nil when no exporter is configured.
func NewPusher(cfg PushConfig) (Pusher, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if exporter == "" {
		return nil, nil
	}
	if endpoint == "" {
		return nil, errors.New("metrics push endpoint is required")
	}

	switch exporter {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("invalid metrics push endpoint: %w", err)
		}
		return NewRemoteWritePusher(endpoint, cfg.AuthToken), nil
	case ExporterPushgateway:
		job := strings.TrimSpace(cfg.Job)
		if job == "" {
			job = "telecare"
		}
		return NewPushgatewayPusher(endpoint, job, map[string]string{
			"environment": strings.TrimSpace(cfg.Environment),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported metrics push exporter: %s", exporter)
	}
}

// RemoteWritePusher sends metrics to a Prometheus remote_write endpoint.
type RemoteWritePusher struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	now        func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(authToken),
		httpClient: &http.Client{Timeout: defaultPushTimeout},
		now:        time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}

	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	series := buildRemoteWriteSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher sends metrics to a Prometheus Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{
		endpoint: endpoint,
		job:      job,
		grouping: grouping,
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer)
	for key, value := range p.grouping {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}

// StartPusher pushes the default registry on an interval while the app runs.
func StartPusher(lc fx.Lifecycle, cfg PushConfig, log *zap.Logger) error {
	pusher, err := NewPusher(cfg)
	if err != nil || pusher == nil {
		return err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	log = log.Named("metrics.pusher")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						pushOnce(ctx, pusher, log)
					case <-ctx.Done():
						return
					}
				}
			}()
			log.Info("metrics push started", zap.String("exporter", cfg.Exporter), zap.Duration("interval", interval))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			pushOnce(stopCtx, pusher, log)
			return nil
		},
	})
	return nil
}

func pushOnce(ctx context.Context, pusher Pusher, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}
}

// buildRemoteWriteSeries flattens counters and gauges, and histograms into
// their _count and _sum series.
func buildRemoteWriteSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	series := make([]prompb.TimeSeries, 0, len(families))
	for _, family := range families {
		for _, m := range family.GetMetric() {
			for suffix, value := range sampleValues(family.GetType(), m) {
				series = append(series, prompb.TimeSeries{
					Labels: seriesLabels(family.GetName()+suffix, m.GetLabel()),
					Samples: []prompb.Sample{{
						Value:     value,
						Timestamp: timestampMs,
					}},
				})
			}
		}
	}
	sort.Slice(series, func(i, j int) bool {
		return seriesKey(series[i]) < seriesKey(series[j])
	})
	return series
}

func sampleValues(metricType dto.MetricType, m *dto.Metric) map[string]float64 {
	switch {
	case metricType == dto.MetricType_COUNTER && m.GetCounter() != nil:
		return map[string]float64{"": m.GetCounter().GetValue()}
	case metricType == dto.MetricType_GAUGE && m.GetGauge() != nil:
		return map[string]float64{"": m.GetGauge().GetValue()}
	case metricType == dto.MetricType_HISTOGRAM && m.GetHistogram() != nil:
		return map[string]float64{
			"_count": float64(m.GetHistogram().GetSampleCount()),
			"_sum":   m.GetHistogram().GetSampleSum(),
		}
	default:
		return nil
	}
}

func seriesLabels(name string, pairs []*dto.LabelPair) []prompb.Label {
	labels := make([]prompb.Label, 0, len(pairs)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	for _, pair := range pairs {
		labels = append(labels, prompb.Label{Name: pair.GetName(), Value: pair.GetValue()})
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Name < labels[j].Name
	})
	return labels
}

func seriesKey(ts prompb.TimeSeries) string {
	var b strings.Builder
	for _, label := range ts.Labels {
		b.WriteString(label.Name)
		b.WriteByte('=')
		b.WriteString(label.Value)
		b.WriteByte(',')
	}
	return b.String()
}
