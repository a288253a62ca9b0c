package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// SetupLogging configures the global zerolog logger. Console output unless
// json is set; an unknown level falls back to info.
func SetupLogging(level string, json bool) {
	SetupLoggingTo(os.Stderr, level, json)
}

func SetupLoggingTo(out io.Writer, level string, json bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	w := out
	if !json {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger().Hook(SpanHook{})

	// log.Ctx falls back to the global logger when nothing is attached
	zerolog.DefaultContextLogger = &log.Logger
}

// SpanHook adds the active trace and span ids to events logged with a context.
type SpanHook struct{}

func (SpanHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	if s := trace.SpanContextFromContext(ctx); s.IsValid() {
		e.Str("trace_id", s.TraceID().String()).
			Str("span_id", s.SpanID().String()).
			Bool("trace_sampled", s.TraceFlags().IsSampled())
	}
}
