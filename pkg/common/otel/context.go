package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// GetTraceID returns the hex trace id of the span recorded on ctx, or the
// zero trace id when ctx carries no valid span. Log records use it to
// correlate with exported traces.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return trace.TraceID{}.String()
	}
	return sc.TraceID().String()
}
