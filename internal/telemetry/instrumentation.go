package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metrics, so keep them bounded: operation names, engine
// types, statuses. Job ids, file names and URLs belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with the component.
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

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentEngineOperation instruments download engine calls.
func (t *Telemetry) InstrumentEngineOperation(ctx context.Context, engine, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "engine_"+operation, "download_engine", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "engine_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("engine.type", engine),
			attribute.String("engine.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordEngineOperation(engine, operation, statusOf(err))

	return err
}

// InstrumentUpload instruments the upload of a single file of size bytes.
func (t *Telemetry) InstrumentUpload(ctx context.Context, size int64, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.upDown(t.uploadsActive, 1)
	defer t.upDown(t.uploadsActive, -1)

	err := t.InstrumentOperation(ctx, "upload", "storage_backend", fn)

	t.RecordUpload(statusOf(err), size, time.Since(start))

	return err
}

// InstrumentStatusRender instruments one status render. fn reports how the
// render ended (unchanged, edited, sent).
func (t *Telemetry) InstrumentStatusRender(ctx context.Context, fn func(ctx context.Context) (string, error)) error {
	var result string

	err := t.InstrumentOperation(ctx, "status_render", "status", func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	if err != nil {
		result = "error"
	}

	t.RecordStatusRender(result)

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
