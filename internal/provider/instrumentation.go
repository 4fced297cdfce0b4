package provider

import "go.opentelemetry.io/otel"

const scopeName = "meetai/internal/provider"

var tracer = otel.Tracer(scopeName)
