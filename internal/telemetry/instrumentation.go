package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// CARDINALITY:
//
// Span and metric attributes must come from bounded sets. Operation names
// ("put", "open", "delete"), results ("success", "not_found") and component
// names are fine. Transfer codes, blob handles, file names and request IDs are
// unbounded; they belong in log records, which already carry the trace ID.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentStorageOperation instruments blob store operations.
func (t *Telemetry) InstrumentStorageOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "storage_"+operation, "blob_store", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordStorageOperation(ctx, operation, status, time.Since(start))

	return err
}

// InstrumentTransfer instruments an upload or download as seen by the transfer service.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "transfer_"+operation, "transfer", fn)

	if t.transferDuration != nil {
		status := "success"
		if err != nil {
			status = "error"
		}

		t.transferDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("operation", operation), attribute.String("status", status)),
		)
	}

	return err
}
