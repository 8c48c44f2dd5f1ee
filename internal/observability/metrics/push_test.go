package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestNewPusher(t *testing.T) {
	pusher, err := NewPusher(PushConfig{})
	require.NoError(t, err)
	assert.Nil(t, pusher)

	_, err = NewPusher(PushConfig{Exporter: ExporterRemoteWrite})
	assert.Error(t, err)

	_, err = NewPusher(PushConfig{Exporter: "statsd", Endpoint: "http://localhost"})
	assert.Error(t, err)

	pusher, err = NewPusher(PushConfig{Exporter: ExporterPushgateway, Endpoint: "http://localhost:9091"})
	require.NoError(t, err)
	assert.IsType(t, &PushgatewayPusher{}, pusher)
}

func TestRemoteWritePusherSendsSnappyProtobuf(t *testing.T) {
	registry := prometheus.NewRegistry()
	rollovers := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_rollovers_total", Help: "test"})
	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_wait_seconds", Help: "test"}, []string{"backend"})
	registry.MustRegister(rollovers, wait)
	rollovers.Add(3)
	wait.WithLabelValues("local").Observe(0.5)
	wait.WithLabelValues("local").Observe(0.25)

	var (
		got     prompb.WriteRequest
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err == nil {
			var raw []byte
			if raw, err = snappy.Decode(nil, body); err == nil {
				err = proto.Unmarshal(raw, protoadapt.MessageV2Of(&got))
			}
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	pusher.now = func() time.Time { return time.UnixMilli(1700000000000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))

	values := map[string]float64{}
	for _, ts := range got.Timeseries {
		require.Len(t, ts.Samples, 1)
		assert.Equal(t, int64(1700000000000), ts.Samples[0].Timestamp)
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				values[label.Value] = ts.Samples[0].Value
			}
		}
	}
	assert.Equal(t, map[string]float64{
		"test_rollovers_total":    3,
		"test_wait_seconds_count": 2,
		"test_wait_seconds_sum":   0.75,
	}, values)
}

func TestRemoteWritePusherReportsRejectedWrites(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry)
	assert.Error(t, err)
}
