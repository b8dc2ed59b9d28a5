package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestRegistry_Empty(t *testing.T) {
	report := NewRegistry().CheckAll(context.Background())
	assert.Equal(t, Healthy, report.Status)
	assert.Empty(t, report.Checks)
}

func TestRegistry_Overall(t *testing.T) {
	tests := []struct {
		name     string
		critical func(context.Context) error
		optional func(context.Context) error
		want     Overall
	}{
		{"all up", ok, ok, Healthy},
		{"optional down", ok, down, Degraded},
		{"critical down", down, ok, Unhealthy},
		{"both down", down, down, Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register("database", Ping(tt.critical))
			r.Register("risk_store", Ping(tt.optional), NonCritical())

			report := r.CheckAll(context.Background())
			assert.Equal(t, tt.want, report.Status)
			require.Len(t, report.Checks, 2)
			assert.Equal(t, "database", report.Checks[0].Name)
			assert.True(t, report.Checks[0].Critical)
			assert.Equal(t, "risk_store", report.Checks[1].Name)
			assert.False(t, report.Checks[1].Critical)
		})
	}
}

func TestRegistry_NameAndDetail(t *testing.T) {
	r := NewRegistry()
	r.Register("patterns", func(context.Context) Status {
		return Status{Name: "ignored", Healthy: true, Detail: "2026.10-default"}
	})
	r.Register("redis", Ping(down))

	report := r.CheckAll(context.Background())
	assert.Equal(t, "patterns", report.Checks[0].Name)
	assert.Equal(t, "2026.10-default", report.Checks[0].Detail)
	assert.Equal(t, "connection refused", report.Checks[1].Detail)
}

func TestRegistry_ExportsGauge(t *testing.T) {
	r := NewRegistry()
	r.Register("gauge_up", Ping(ok))
	r.Register("gauge_down", Ping(down))
	r.CheckAll(context.Background())

	assert.Equal(t, 1.0, gaugeValue(t, "gauge_up"))
	assert.Equal(t, 0.0, gaugeValue(t, "gauge_down"))
}

func gaugeValue(t *testing.T, check string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, checkUp.WithLabelValues(check).Write(&m))
	return m.GetGauge().GetValue()
}

func TestRegistry_ChecksAreBounded(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := r.CheckAll(context.Background())
	assert.Equal(t, Unhealthy, report.Status)
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, report.Checks[0].LatencyMS, int64(15))
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Ping(ok))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
