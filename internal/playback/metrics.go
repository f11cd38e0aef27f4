package playback

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	enqueue metric.Int64Counter
	played  metric.Int64Counter
	skipped metric.Int64Counter
	dropped metric.Int64Counter
	render  metric.Float64Histogram
}

func newMetrics(s *Sequencer) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/playback")
	enqueue, err := meter.Int64Counter("relay.playback.enqueued", metric.WithDescription("Utterances accepted into a lane"))
	if err != nil {
		return nil, err
	}
	played, err := meter.Int64Counter("relay.playback.played", metric.WithDescription("Utterances played to completion"))
	if err != nil {
		return nil, err
	}
	skipped, err := meter.Int64Counter("relay.playback.skipped", metric.WithDescription("Utterances skipped after a render or playback failure"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("relay.playback.dropped", metric.WithDescription("Utterances interrupted or abandoned"))
	if err != nil {
		return nil, err
	}
	render, err := meter.Float64Histogram("relay.playback.render_ms", metric.WithDescription("Synthesis latency per utterance"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	depth, err := meter.Int64ObservableGauge("relay.playback.queue_depth", metric.WithDescription("Queued utterances across all lanes"))
	if err != nil {
		return nil, err
	}
	lanes, err := meter.Int64ObservableGauge("relay.playback.lanes", metric.WithDescription("Open playback lanes"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		l, p := s.depth()
		obs.ObserveInt64(lanes, l)
		obs.ObserveInt64(depth, p)
		return nil
	}, depth, lanes)
	if err != nil {
		return nil, err
	}
	return &metrics{enqueue: enqueue, played: played, skipped: skipped, dropped: dropped, render: render}, nil
}

func (m *metrics) enqueued(kind Kind) {
	if m == nil {
		return
	}
	m.enqueue.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) finished(outcome Outcome) {
	if m == nil {
		return
	}
	ctx := context.Background()
	switch outcome {
	case OutcomePlayed:
		m.played.Add(ctx, 1)
	case OutcomeSkipped:
		m.skipped.Add(ctx, 1)
	default:
		m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
}

func (m *metrics) rendered(d time.Duration) {
	if m == nil {
		return
	}
	m.render.Record(context.Background(), float64(d.Microseconds())/1000)
}
