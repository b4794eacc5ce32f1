// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing provides helpers for wrapping a catalog operation's
// dispatch in an OpenTelemetry span; the worker's dispatcher does not call
// them. Grounded on the teacher's own otel.Tracer/Start/End
// usage pattern (internal/monitor's AugmentTraceContext and its test).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/afpfs/cnidd/internal/catalog"

// Setup installs a stdout-exporting TracerProvider as the global
// provider, the same exporter the teacher's own dependency graph already
// carries (go.opentelemetry.io/otel/exporters/stdout/stdouttrace) for a
// no-collector-required local trace stream. Returns a shutdown func to
// flush and release the exporter on process exit.
func Setup(ctx context.Context) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartOp starts a span named "catalog.<op>" for one catalog dispatch,
// tagging it with the cnid(s) involved so a trace backend can pivot from
// a span to the catalog record it touched.
func StartOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "catalog."+op, trace.WithAttributes(attrs...))
}

// End records err (if any) on span and closes it; the single place a
// dispatched catalog operation's outcome is attached to its span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CNIDAttr is the attribute key every catalog span is tagged with.
func CNIDAttr(cnid uint32) attribute.KeyValue {
	return attribute.Int64("cnid", int64(cnid))
}
