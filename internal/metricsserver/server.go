// Package metricsserver runs a separate fasthttp server exposing
// Prometheus metrics, independent of the main proxy listener (spec §6
// --metrics-listen).
package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MetricsHandler serves the Prometheus exposition format.
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

const metricsPath = "/metrics"

// Start launches the metrics server in the background. An empty listen
// address disables it entirely (spec §6: "empty disables").
func Start(listen string, handler MetricsHandler, logger *zap.Logger) *fasthttp.Server {
	if listen == "" {
		logger.Info("metrics server disabled")
		return nil
	}

	server := &fasthttp.Server{
		Handler:            buildHandler(handler),
		Name:               "fips-metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1 * 1024,
		TCPKeepalive:       true,
		TCPKeepalivePeriod: 30 * time.Second,
		MaxConnsPerIP:      100,
		MaxRequestsPerConn: 1000,
		Concurrency:        100,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("listen", listen), zap.String("path", metricsPath))
		if err := server.ListenAndServe(listen); err != nil {
			logger.Error("metrics server stopped", zap.String("listen", listen), zap.Error(err))
		}
	}()

	return server
}

func buildHandler(handler MetricsHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == metricsPath {
			handler.ServeHTTP(ctx)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
	}
}
