package lifecycle

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("meetai/internal/lifecycle")
