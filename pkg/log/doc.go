/*
Package log provides structured logging for Quarry built on zerolog.

Init configures the global logger once at startup (level, JSON vs
console output). Packages obtain child loggers via the With* helpers so
every line carries its component and entity identifiers:

	logger := log.WithComponent("provision")
	logger.Info().Str("claim_id", claim.ID).Msg("volume bound")

Console output is human-readable for interactive use; JSON output is
for aggregation in production.
*/
package log
