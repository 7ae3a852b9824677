package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Collector is an in-process meter provider with a manual reader. The
// daemon uses it to print a counter summary at shutdown; tests use it to
// assert on recorded values.
type Collector struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewCollector creates a provider backed by a manual reader.
func NewCollector() *Collector {
	reader := sdkmetric.NewManualReader()
	return &Collector{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// Provider returns the meter provider to pass to NewMetrics.
func (c *Collector) Provider() *sdkmetric.MeterProvider {
	return c.provider
}

// Point is one counter data point.
type Point struct {
	Name       string
	Attributes map[string]string
	Value      int64
}

// Key renders the point as "name{k=v,...}" with sorted attributes.
func (p Point) Key() string {
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p.Attributes[k]
	}
	return fmt.Sprintf("%s{%s}", p.Name, strings.Join(parts, ","))
}

// Collect reads every int64 sum currently recorded, sorted by Key.
func (c *Collector) Collect(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	points := []Point{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				attrs := make(map[string]string, dp.Attributes.Len())
				for _, kv := range dp.Attributes.ToSlice() {
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				points = append(points, Point{Name: m.Name, Attributes: attrs, Value: dp.Value})
			}
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Key() < points[j].Key() })
	return points, nil
}

// Total sums every data point of the named instrument whose attributes
// include all of match.
func (c *Collector) Total(ctx context.Context, name string, match map[string]string) (int64, error) {
	points, err := c.Collect(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range points {
		if p.Name != name {
			continue
		}
		if matches(p.Attributes, match) {
			total += p.Value
		}
	}
	return total, nil
}

func matches(attrs, want map[string]string) bool {
	for k, v := range want {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

// Shutdown flushes and stops the provider.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}
