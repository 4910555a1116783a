/*
Package log configures the engine's structured logging, built on
zerolog.

The root Logger writes human-readable output to stderr until Setup
reconfigures it; stdout stays free for command results. Components
derive child loggers at construction time and attach the identifiers
they care about:

	logger := log.WithComponent("repo").With().Str("repo", cfgID).Logger()
	logger.Debug().Str("pack", id).Msg("pack sealed")

Setup is called once by the CLI front-end:

	if err := log.Setup(log.Options{Level: "debug", JSON: true}); err != nil {
		...
	}
*/
package log
