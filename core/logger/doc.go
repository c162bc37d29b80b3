// Package logger builds slog loggers and provides attribute helpers used
// across the queue.
//
// # Construction
//
//	log := logger.New(logger.WithProduction("zonequeue"))
//
// WithDevelopment selects text output at debug level. WithStaging and
// WithProduction select JSON at info level. Every preset tags records with
// the service and env attributes. Individual settings can be layered on top:
//
//	log := logger.New(
//		logger.WithProduction("zonequeue"),
//		logger.WithLevel(slog.LevelWarn),
//		logger.WithOutput(os.Stderr),
//	)
//
// Nop returns a logger that discards everything. Components default to it
// when no logger is supplied.
//
// # Context values
//
// WithContextValue and WithContextExtractors copy values carried in the
// record's context into every record, e.g. a correlation id set by the
// caller that enqueued a request:
//
//	log := logger.New(logger.WithContextValue("correlation_id", correlationKey{}))
//	log.InfoContext(ctx, "request enqueued")
//
// # Attributes
//
// Helpers keep attribute keys consistent between packages:
//
//	log.InfoContext(ctx, "request completed",
//		logger.ID("request_id", req.ID),
//		logger.Zone(req.Zone),
//		logger.Endpoint(req.Endpoint),
//		logger.Priority(int(req.Priority)),
//		logger.Latency(time.Since(start)),
//	)
//
//	log.WarnContext(ctx, "circuit opened",
//		logger.Zone(zone),
//		logger.State("open"),
//		logger.Error(err),
//	)
//
// Error and Errors return an empty attribute for nil errors, which slog
// drops, so they can be passed unconditionally. Group nests attributes under
// a key, and Component names the subsystem emitting a record (manager,
// breaker, batch, monitor, store).
package logger
