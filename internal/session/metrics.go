package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-asr/session"

// FeedDurationMetric is the histogram of per-frame decoder feed time in ms.
const FeedDurationMetric = "loqa.asr.feed.duration"

type instruments struct {
	active       metric.Int64UpDownCounter
	hypotheses   metric.Int64Counter
	overflows    metric.Int64Counter
	invalidAudio metric.Int64Counter
	reordered    metric.Int64Counter
	feedDuration metric.Float64Histogram
}

func newInstruments(log *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{}
	var err error
	if inst.active, err = meter.Int64UpDownCounter("loqa.asr.sessions.active", metric.WithDescription("Sessions with a live worker")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if inst.hypotheses, err = meter.Int64Counter("loqa.asr.hypotheses", metric.WithDescription("Hypotheses relayed to clients")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if inst.overflows, err = meter.Int64Counter("loqa.asr.buffer.overflows", metric.WithDescription("Audio pushes that dropped buffered samples")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if inst.invalidAudio, err = meter.Int64Counter("loqa.asr.audio.invalid", metric.WithDescription("Audio chunks rejected during conversion")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if inst.reordered, err = meter.Int64Counter("loqa.asr.audio.reordered", metric.WithDescription("Audio chunks that arrived with a non-increasing sequence number")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if inst.feedDuration, err = meter.Float64Histogram(FeedDurationMetric, metric.WithDescription("Decoder feed latency"), metric.WithUnit("ms")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return inst
}

func (i *instruments) addActive(delta int64) {
	if i.active != nil {
		i.active.Add(context.Background(), delta)
	}
}

func (i *instruments) count(c metric.Int64Counter, grammar string) {
	if c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("grammar", grammar)))
	}
}

func (i *instruments) observeFeed(ms float64) {
	if i.feedDuration != nil {
		i.feedDuration.Record(context.Background(), ms)
	}
}
