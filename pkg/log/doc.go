/*
Package log provides structured logging for formicaio using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	bgLog := log.WithComponent("background_loop")
	bgLog.Info().Msg("starting poll cycle")

	nodeLog := log.WithNodeID(string(id))
	nodeLog.Warn().Msg("lock expired before action completed")

	batchLog := log.WithBatchID(uint16(batch.ID))
	batchLog.Error().Err(err).Msg("batch step failed")

# Design Patterns

Global logger pattern: a single package-level Logger instance,
initialized once at startup, accessible without passing a logger
through every call.

Context logger pattern: WithComponent/WithNodeID/WithBatchID build
child loggers carrying a field that every subsequent call site no
longer has to repeat.

# Log Levels

Debug: development and troubleshooting detail. Info: the default
production level - poll cycles, batch transitions, action outcomes.
Warn: recoverable anomalies (lock expiry, scrape failure on one node).
Error: operation failures needing investigation. Fatal: unrecoverable
startup errors only (bind failed, store open failed).
*/
package log
