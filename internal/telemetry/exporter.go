package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Span exporters selectable in configuration.
const (
	ExporterNone = ""
	ExporterGCP  = "gcp"
	ExporterOTLP = "otlp"
)

// ExporterConfig selects where finished spans are sent.
type ExporterConfig struct {
	Exporter string
	// ProjectID is the Cloud Trace project. Empty uses the project of the
	// default credentials.
	ProjectID string
	// Endpoint is the OTLP/HTTP traces URL. Empty falls back to the
	// OTEL_EXPORTER_OTLP_* environment.
	Endpoint string
}

// NewExporter builds the configured span exporter. ExporterNone returns nil.
func NewExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterGCP:
		var opts []texporter.Option
		if cfg.ProjectID != "" {
			opts = append(opts, texporter.WithProjectID(cfg.ProjectID))
		}
		exp, err := texporter.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create cloud trace exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}
