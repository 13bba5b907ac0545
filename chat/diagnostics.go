package chat

import (
	"fmt"
	"log/slog"
)

// Diagnostic is a user-visible status or error message. Nothing surfaced here
// is fatal to the session; the stream exists so the UI can show what the core
// is doing.
type Diagnostic struct {
	Source  string
	Message string
}

func (d Diagnostic) String() string {
	return d.Source + ": " + d.Message
}

// Diagnostics is a bounded fan-in of diagnostic messages. Emitting never
// blocks the event-processing path: when the buffer is full the message is
// dropped and only logged.
type Diagnostics struct {
	ch     chan Diagnostic
	logger *slog.Logger
}

func NewDiagnostics(buffer int, logger *slog.Logger) *Diagnostics {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		ch:     make(chan Diagnostic, buffer),
		logger: logger,
	}
}

// C returns the diagnostic stream.
func (d *Diagnostics) C() <-chan Diagnostic {
	return d.ch
}

// Emit queues a diagnostic message.
func (d *Diagnostics) Emit(source, format string, args ...any) {
	diag := Diagnostic{Source: source, Message: fmt.Sprintf(format, args...)}
	d.logger.Warn(diag.Message, slog.String("source", source))
	select {
	case d.ch <- diag:
	default:
		d.logger.Debug("diagnostic dropped", slog.String("source", source))
	}
}
