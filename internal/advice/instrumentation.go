package advice

import "go.opentelemetry.io/otel"

const scopeName = "github.com/rbright/prompter/internal/advice"

var tracer = otel.Tracer(scopeName)
