package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/observability"
)

// Setup initializes logging, metrics and tracing, returning the tracer
// shutdown func and the /metrics handler to mount on the router.
func Setup(serviceName string) (func(context.Context) error, http.Handler) {
	observability.InitLogger()
	observability.InitMetrics()
	tracerShutdown := observability.InitTracing(serviceName)
	return tracerShutdown, promhttp.Handler()
}
