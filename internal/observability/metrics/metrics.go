package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	privilegeConsume metric.Int64Counter
	privilegeUnits   metric.Int64Counter
	privilegeReset   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "telecare"
	}
	meter := provider.Meter(name)

	privilegeConsume, err := meter.Int64Counter("telecare_privilege_consume_total")
	if err != nil {
		return nil, err
	}
	privilegeUnits, err := meter.Int64Counter("telecare_privilege_units_consumed_total")
	if err != nil {
		return nil, err
	}
	privilegeReset, err := meter.Int64Counter("telecare_privilege_reset_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		privilegeConsume: privilegeConsume,
		privilegeUnits:   privilegeUnits,
		privilegeReset:   privilegeReset,
	}, nil
}

// RecordConsume counts one TryConsume decision by privilege and outcome.
func (m *Metrics) RecordConsume(ctx context.Context, privilege, outcome string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("privilege", strings.TrimSpace(privilege)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.privilegeConsume.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == OutcomeAccepted && amount > 0 {
		m.privilegeUnits.Add(ctx, amount, metric.WithAttributes(
			FilterAttributes(attribute.String("privilege", strings.TrimSpace(privilege)))...,
		))
	}
}

// RecordReset counts administrative usage resets.
func (m *Metrics) RecordReset(ctx context.Context, privilege string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("privilege", strings.TrimSpace(privilege)))
	m.privilegeReset.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// OutcomeAccepted is the outcome label of a granted consumption; rejections use their reason.
const OutcomeAccepted = "accepted"

var allowedLabelKeys = map[attribute.Key]struct{}{
	"privilege": {},
	"outcome":   {},
	"reason":    {},
	"backend":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
