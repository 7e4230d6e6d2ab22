package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/soultice/fips/internal/dispatch"
	"github.com/soultice/fips/internal/loader"
	"github.com/soultice/fips/internal/logging"
	"github.com/soultice/fips/internal/metrics"
	"github.com/soultice/fips/internal/metricsserver"
	"github.com/soultice/fips/internal/observer"
	"github.com/soultice/fips/internal/plugin"
	"github.com/soultice/fips/internal/store"
)

// stringSlice collects repeated occurrences of a flag, e.g. -config a -config b.
type stringSlice []string

func (s *stringSlice) String() string {
	return fmt.Sprintf("%v", []string(*s))
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

const metricsNamespace = "fips"

func main() {
	var configDirs stringSlice
	var pluginPaths stringSlice

	flag.Var(&configDirs, "config", "rule directory to load (repeatable)")
	flag.Var(&pluginPaths, "plugins", "native plugin to pre-load at startup (repeatable)")
	port := flag.Uint("port", 8888, "listen port")
	metricsListen := flag.String("metrics-listen", ":9090", "metrics server bind address, empty disables")
	writeSchema := flag.Bool("write-schema", false, "emit the rule file JSON schema to stdout and exit")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	logFile := flag.String("log-file", "", "optional rotated log file, in addition to console")
	flag.Parse()

	if *writeSchema {
		if err := writeRuleSchema(os.Stdout); err != nil {
			log.Fatalf("failed to write schema: %v", err)
		}
		os.Exit(0)
	}

	logger, err := logging.New(logging.Config{Level: *logLevel, FilePath: *logFile})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if len(configDirs) == 0 {
		logger.Error("no rule directories given, pass at least one -config")
		os.Exit(1)
	}

	pluginRegistry := plugin.NewRegistry(logger)
	for _, p := range pluginPaths {
		if err := pluginRegistry.LoadOnce(p); err != nil {
			logger.Warn("skipping plugin", zap.String("path", p), zap.Error(err))
		}
	}

	ruleSets, err := loader.Load(configDirs, pluginRegistry, logger)
	if err != nil {
		logger.Error("failed to load rule files", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("loaded rule sets", zap.Int("count", len(ruleSets)))

	ruleStore := store.New(ruleSets)

	collector := metrics.New(metricsNamespace, logger)
	collector.SampleSystemMemory()

	obs := observer.NewMultiObserver(metrics.NewPrometheusObserver(collector))

	engine := dispatch.New(ruleStore, pluginRegistry, obs, collector, logger)

	proxyServer := &fasthttp.Server{
		Handler:      engine.Handle,
		Name:         "fips",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	listen := fmt.Sprintf(":%d", *port)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("fips listening", zap.String("listen", listen))
		if err := proxyServer.ListenAndServe(listen); err != nil {
			serverErrors <- err
		}
	}()

	metricsSrv := metricsserver.Start(*metricsListen, collector, logger)

	// Give the listener a moment to fail fast on a bad bind before we
	// commit to the blocking signal wait below.
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrors:
		logger.Error("fips failed to start", zap.Error(err))
		os.Exit(2)
	default:
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down fips")
	case err := <-serverErrors:
		logger.Error("fips server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := proxyServer.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("proxy server shutdown error", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if err := obs.Close(); err != nil {
		logger.Error("observer shutdown error", zap.Error(err))
	}

	logger.Info("fips stopped")
}

// writeRuleSchema emits a JSON Schema describing the rule file shape
// (spec.md §6). Hand-written rather than reflected: the Then tagged union
// (mock/static/proxy/fips, discriminated by functionAs) has no clean
// reflection-derived equivalent, and no schema-generation library exists
// across the retrieved examples.
func writeRuleSchema(w *os.File) error {
	schema := map[string]interface{}{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"title":   "fips rule file",
		"type":    "array",
		"items": map[string]interface{}{
			"type":     "object",
			"required": []string{"Rule"},
			"properties": map[string]interface{}{
				"Rule": map[string]interface{}{
					"type":     "object",
					"required": []string{"name", "when", "then"},
					"properties": map[string]interface{}{
						"name": map[string]interface{}{"type": "string"},
						"when": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"matchesUris": map[string]interface{}{
									"type": "array",
									"items": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"uri":  map[string]interface{}{"type": "string"},
											"body": map[string]interface{}{"type": "string"},
										},
									},
								},
								"matchesMethods": map[string]interface{}{
									"type":  "array",
									"items": map[string]interface{}{"type": "string"},
								},
								"bodyContains": map[string]interface{}{"type": "string"},
							},
						},
						"then": map[string]interface{}{
							"type":     "object",
							"required": []string{"functionAs"},
							"properties": map[string]interface{}{
								"functionAs": map[string]interface{}{
									"type": "string",
									"enum": []string{"Mock", "Static", "Proxy", "Fips"},
								},
								"body":        map[string]interface{}{},
								"status":      map[string]interface{}{"type": "string"},
								"headers":     map[string]interface{}{"type": "object"},
								"baseDir":     map[string]interface{}{"type": "string"},
								"forwardUri":  map[string]interface{}{"type": "string"},
								"modifyResponse": map[string]interface{}{
									"type": "object",
									"properties": map[string]interface{}{
										"setHeaders":   map[string]interface{}{"type": "object"},
										"keepHeaders":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
										"status":       map[string]interface{}{"type": "string"},
										"body": map[string]interface{}{
											"type": "array",
											"items": map[string]interface{}{
												"type":     "object",
												"required": []string{"at", "with"},
												"properties": map[string]interface{}{
													"at":   map[string]interface{}{"type": "string"},
													"with": map[string]interface{}{},
												},
											},
										},
									},
								},
							},
						},
						"with": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"sleep":       map[string]interface{}{"type": "integer"},
								"probability": map[string]interface{}{"type": "number"},
								"plugins": map[string]interface{}{
									"type": "array",
									"items": map[string]interface{}{
										"type":     "object",
										"required": []string{"path", "name"},
										"properties": map[string]interface{}{
											"path": map[string]interface{}{"type": "string"},
											"name": map[string]interface{}{"type": "string"},
											"args": map[string]interface{}{},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(schema)
}
