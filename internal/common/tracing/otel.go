// Package tracing provides the shared OTel tracer for the agent plane.
//
// Spans are exported only when an OTLP endpoint is configured, either
// through Setup or OTEL_EXPORTER_OTLP_ENDPOINT. Without one a no-op tracer
// is used. Every exported span carries the control plane's resource: its
// deployment environment, its host instance and the sandbox providers it
// offers.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "agentplane"

// Version is stamped into the resource as service.version. Set at link
// time with -ldflags "-X .../tracing.Version=...".
var Version = "dev"

// AttrProviders lists the sandbox provider types this process can spawn.
const AttrProviders = attribute.Key("agentplane.sandbox.providers")

// Options configures the exporter and the resource.
type Options struct {
	// Endpoint is the OTLP/HTTP collector. Empty disables export.
	Endpoint string
	// SampleRatio is the fraction of new root traces kept. Children
	// follow their parent's decision.
	SampleRatio float64
	Environment string
	Providers   []string
}

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Setup installs the tracer provider. Only the first call to Setup or
// Tracer takes effect. It reports whether spans will be exported.
func Setup(opts Options) bool {
	initOnce.Do(func() { initTracing(opts) })
	return sdkProvider != nil
}

// OptionsFromEnv reads the standard OTel endpoint variable plus
// AGENTPLANE_ENV and AGENTPLANE_TRACE_SAMPLE_RATIO.
func OptionsFromEnv() Options {
	opts := Options{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRatio: 1,
		Environment: os.Getenv("AGENTPLANE_ENV"),
	}
	if raw := os.Getenv("AGENTPLANE_TRACE_SAMPLE_RATIO"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			opts.SampleRatio = ratio
		}
	}
	return opts
}

func initTracing(opts Options) {
	if opts.Endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(opts.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts)...))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	env := opts.Environment
	if env == "" {
		env = "development"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
		semconv.DeploymentEnvironment(env),
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	if len(opts.Providers) > 0 {
		attrs = append(attrs, AttrProviders.StringSlice(opts.Providers))
	}
	return attrs
}

// sampler clamps ratio to [0, 1]. Anything at or above 1 samples everything.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(func() { initTracing(OptionsFromEnv()) })
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
