package pawchat

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pawhaven/pawchat"

// tracer uses the global provider, which is a no-op until the application
// installs one.
func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
