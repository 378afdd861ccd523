// Package telemetry provides observability instrumentation for virtsync.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("converge")
//	logger = logger.WithRunID(runID).WithDomain("web01")
//	logger.WithError(err).Error("converge failed")
//
// # Converge runs
//
// A converge run is bracketed by WithConvergeContext and EndConvergeContext,
// which open the run span, attach a run logger to the context, count the
// outcome and publish converge.* events. Each lifecycle transition inside a
// run goes through RecordTransition:
//
//	ctx = telemetry.WithConvergeContext(ctx, runID, name, "running")
//	err := telemetry.RecordTransition(ctx, runID, name, "defined", "running", "start",
//	    func(ctx context.Context) error { return host.Start(ctx, name) })
//	telemetry.EndConvergeContext(ctx, runID, name, changed, err)
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace
// (default "virtsync"):
//
//	virtsync_converge_runs_total{outcome}
//	virtsync_converge_duration_seconds{outcome}
//	virtsync_reconciliations_total{verdict}
//	virtsync_definition_changes_total{kind,ignored}
//	virtsync_transitions_total{effector,status}
//	virtsync_transition_duration_seconds{effector}
//	virtsync_errors_total{class,code}
//	virtsync_domain_state{domain,state}
//
// A disabled Metrics accepts every call and records nothing.
//
// # Events
//
// Events are delivered synchronously by default. With async enabled they
// are buffered and delivered in batches from a single goroutine; Shutdown
// drains the buffer.
package telemetry
