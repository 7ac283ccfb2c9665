// Package logging provides structured logging for paperrepro runs.
//
// Logs are JSON lines written through log/slog. Each run writes to
// {runDir}/run.log; child loggers carry persistent run, stage and node
// attributes so a single run's log can be filtered after the fact:
//
//	logger, err := logging.NewLogger(runDir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithRun("run-1").WithStage("s2").WithNode("DESIGN_REVIEW").
//	    Info("revision recorded", "kind", "design_review", "count", 2)
//
// For long campaigns use [NewLoggerWithRotation]; rotated files are named
// run.log.1 .. run.log.N (newest first) and may be gzip compressed.
//
// Tests should use [NopLogger] or [NewLoggerTo] with a bytes.Buffer.
//
// All types are safe for concurrent use.
package logging
