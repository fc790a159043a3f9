package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. These are the semantic conventions for spans
// emitted by the build service.
const (
	// Workflow attributes
	AttrProjectPath = "project.path"
	AttrTarget      = "project.target"
	AttrFlashDevice = "workflow.flash_device"
	AttrRunQEMU     = "workflow.run_qemu"
	AttrQAIteration = "workflow.qa_iteration"

	// Task attributes
	AttrTaskID    = "task.id"
	AttrTaskAgent = "task.agent"

	// Build attributes
	AttrBuildID = "build.id"
	AttrJobID   = "job.id"

	// Subprocess attributes
	AttrCommand  = "command.line"
	AttrExitCode = "command.exit_code"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixWorkflow  = "workflow."
	SpanPrefixTask      = "workflow.task."
	SpanPrefixGit       = "git."
	SpanPrefixToolchain = "toolchain."
)

// StartSpan opens a span on the process tracer. Before NewProvider
// installs a real provider, the global tracer is a no-op, so
// instrumented packages can call this unconditionally.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(DefaultServiceName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan closes a span, recording err as the span status when set.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
