// Package telemetry provides OpenTelemetry instrumentation for archivistd.
//
// Traces and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. New installs its providers as the otel globals, which the HTTP
// and embedding meters use; the vector stores take TracerProvider()
// explicitly:
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Configuration lives in the "telemetry" section:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    export_interval: "15s"
//
// Telemetry failures never stop the daemon. A provider that cannot start
// leaves the instance degraded, and Health lists the reasons.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory
// without touching the globals.
package telemetry
