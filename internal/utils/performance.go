package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// OperationTimer provides a defer-friendly way to measure operation duration
//
// Usage:
//
//	func Archive() {
//	    defer utils.OperationTimer("archive_stage", log)()
//	}
func OperationTimer(operation string, log zerolog.Logger) func() {
	return operationTimer(operation, log, time.Now)
}

func operationTimer(operation string, log zerolog.Logger, now func() time.Time) func() {
	start := now()

	return func() {
		duration := now().Sub(start)

		log.Debug().
			Str("operation", operation).
			Dur("duration_ms", duration).
			Msg("Operation completed")

		if duration > 30*time.Second {
			log.Warn().
				Str("operation", operation).
				Dur("duration", duration).
				Msg("Slow operation detected")
		}
	}
}
