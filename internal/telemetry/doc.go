// Package telemetry exports traces and metrics over OTLP, gRPC or HTTP/protobuf.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Instruments created from the global otel meter, such as the HTTP and
// workflow metrics, export through the installed provider. Tests use
// NewTestTelemetry for in-memory spans and metrics.
package telemetry
