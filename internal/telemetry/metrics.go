package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/slidelab/slideannot/internal/storage"
)

const annotationScopeName = "github.com/slidelab/slideannot/annotations"

// AnnotationMetrics counts the store's headline operations. The counters are
// cheap no-ops when telemetry is disabled, so callers record unconditionally.
type AnnotationMetrics struct {
	saves     metric.Int64Counter
	loads     metric.Int64Counter
	gcRemoved metric.Int64Counter
}

// NewAnnotationMetrics builds the counter set against the global meter.
func NewAnnotationMetrics() *AnnotationMetrics {
	m := Meter(annotationScopeName)
	saves, _ := m.Int64Counter("annotations.save",
		metric.WithDescription("Annotation saves committed"),
	)
	loads, _ := m.Int64Counter("annotations.load",
		metric.WithDescription("Annotation loads served"),
	)
	gcRemoved, _ := m.Int64Counter("annotations.gc.removed_versions",
		metric.WithDescription("Annotation versions removed by garbage collection"),
	)
	return &AnnotationMetrics{saves: saves, loads: loads, gcRemoved: gcRemoved}
}

// SaveObserved records one committed save. Registered on the store's save
// hook, so it fires off the request path.
func (m *AnnotationMetrics) SaveObserved(ev storage.SaveEvent) {
	m.saves.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("annotation.id", ev.AnnotationID)))
}

// LoadObserved records one served load with the number of elements returned.
func (m *AnnotationMetrics) LoadObserved(ctx context.Context, returned int64) {
	m.loads.Add(ctx, 1, metric.WithAttributes(attribute.Int64("elements", returned)))
}

// GCObserved records the versions removed by one sweep.
func (m *AnnotationMetrics) GCObserved(ctx context.Context, report storage.GCReport) {
	m.gcRemoved.Add(ctx, report.RemovedVersions)
}
