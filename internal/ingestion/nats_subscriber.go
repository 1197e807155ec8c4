package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LendLedger/internal/chain"
	"LendLedger/internal/observability"
)

// Stream and subject layout. The chain-following driver publishes block
// notifications and price observations; the indexer publishes finished-height
// acknowledgments and risk classifications back.
const (
	StreamBlocks   = "CHAIN_BLOCKS"
	StreamPrices   = "CHAIN_PRICES"
	StreamFinished = "CHAIN_FINISHED"
	StreamRisk     = "RISK"

	SubjectBlocksCommitted = "chain.blocks.committed"
	SubjectBlocksReverted  = "chain.blocks.reverted"
	SubjectPricesObserved  = "chain.prices.observed"
	SubjectFinished        = "chain.finished"
	SubjectRiskPrefix      = "risk.classifications."
)

const defaultNotificationBuffer = 64

// Subscriber consumes the ordered commit/revert stream from JetStream and
// exposes it as a chain.NotificationSource. A single durable consumer filters
// both block subjects so the relative order of commits and reverts is the
// stream order; the reconciler re-validates contiguity against its checkpoint
// anyway, since JetStream redeliveries are only at-least-once.
type Subscriber struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics

	ch       chan chain.Notification
	consumer jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultNotificationBuffer
	}
	return &Subscriber{
		js:      js,
		log:     log.With().Str("component", "ingest").Logger(),
		metrics: metrics,
		ch:      make(chan chain.Notification, buffer),
	}
}

// Notifications implements chain.NotificationSource. The channel is never
// closed; consumers stop via context cancellation.
func (s *Subscriber) Notifications() <-chan chain.Notification {
	return s.ch
}

// Subscribe creates the durable block consumer and starts feeding the
// notification channel. Messages are acked by the reconciler through the
// notification's AckFunc, never here.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamBlocks, jetstream.ConsumerConfig{
		Durable:        "lend-blocks",
		FilterSubjects: []string{SubjectBlocksCommitted, SubjectBlocksReverted},
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer lend-blocks: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.dispatch(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume lend-blocks: %w", err)
	}
	s.consumer = cc

	s.log.Info().
		Str("stream", StreamBlocks).
		Strs("subjects", []string{SubjectBlocksCommitted, SubjectBlocksReverted}).
		Msg("subscribed to block notifications")
	return nil
}

func (s *Subscriber) dispatch(ctx context.Context, msg jetstream.Msg) {
	var n chain.Notification
	switch msg.Subject() {
	case SubjectBlocksCommitted:
		c, err := ParseCommitted(msg.Data())
		if err != nil {
			s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("notification parse failed")
			msg.Nak()
			return
		}
		n.Committed = c
	case SubjectBlocksReverted:
		r, err := ParseReverted(msg.Data())
		if err != nil {
			s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("notification parse failed")
			msg.Nak()
			return
		}
		n.Reverted = r
	default:
		s.log.Warn().Str("subject", msg.Subject()).Msg("unexpected subject on block consumer")
		msg.Term()
		return
	}

	n.AckFunc = func() { msg.Ack() }
	n.NakFunc = func() { msg.Nak() }

	select {
	case s.ch <- n:
		if s.metrics != nil {
			s.metrics.NotificationDepth.Set(float64(len(s.ch)))
		}
	case <-ctx.Done():
		msg.Nak()
	}
}

// Stop halts delivery. Already-queued notifications stay in the channel; the
// reconciler drains or abandons them via its own context.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("block subscriber stopped")
}

// EnsureStreams creates the four JetStream streams if they don't exist.
// Creation is idempotent, so both the driver and the indexer can call it.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamBlocks,
			Subjects:  []string{"chain.blocks.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamPrices,
			Subjects:  []string{"chain.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamFinished,
			Subjects:  []string{SubjectFinished},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamRisk,
			Subjects:  []string{"risk.classifications.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
