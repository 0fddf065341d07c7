package telemetry

import "github.com/cctalk/host/internal/logging"

// StdoutReporter logs telemetry events through a Logger instead of
// keeping history; useful for a CLI front end with no hub attached.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(kind Kind, address byte, value uint32, message string, debug *DebugInfo) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "kind", Value: string(kind)},
		{Key: "address", Value: address},
	}
	if value != 0 {
		fields = append(fields, logging.Field{Key: "value", Value: value})
	}
	if message != "" {
		fields = append(fields, logging.Field{Key: "message", Value: message})
	}
	r.logger.Info("telemetry sample", fields...)
}
