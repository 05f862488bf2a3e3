package turn

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/loqa-assistant/internal/turn"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)

type instruments struct {
	turnsCompleted    metric.Int64Counter
	bargeIns          metric.Int64Counter
	providerFailures  metric.Int64Counter
	recognizerErrors  metric.Int64Counter
	replyLatencyMilli metric.Float64Histogram
	queueDelayMilli   metric.Float64Histogram
}

// newInstruments never fails; instruments that cannot be created fall back
// to no-ops from the global provider.
func newInstruments() instruments {
	var in instruments
	in.turnsCompleted, _ = meter.Int64Counter("assistant.turns.completed",
		metric.WithDescription("Completed conversation turns"))
	in.bargeIns, _ = meter.Int64Counter("assistant.turns.barge_in",
		metric.WithDescription("Replies interrupted by the user"))
	in.providerFailures, _ = meter.Int64Counter("assistant.provider.failures",
		metric.WithDescription("Reply provider failures replaced by a fallback message"))
	in.recognizerErrors, _ = meter.Int64Counter("assistant.recognizer.errors",
		metric.WithDescription("Recognizer errors by kind"))
	in.replyLatencyMilli, _ = meter.Float64Histogram("assistant.reply.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time from finalized utterance to reply"))
	in.queueDelayMilli, _ = meter.Float64Histogram("assistant.turn.queue_delay",
		metric.WithUnit("ms"),
		metric.WithDescription("Time an event waited in the coordinator mailbox"))
	return in
}
