package reconcile

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "subledger.reconcile"

	traceSpanProcess  = "subledger.notification.process"
	traceSpanCheckout = "subledger.checkout.prepare"
	traceSpanAudit    = "subledger.audit"
	traceSpanEffect   = "subledger.side_effect"

	traceAttrPlatform = "subledger.platform"
	traceAttrDelivery = "subledger.delivery_id"
	traceAttrUserID   = "subledger.user_id"
	traceAttrOutcome  = "subledger.outcome"
	traceAttrTarget   = "subledger.target"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
