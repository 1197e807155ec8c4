package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
)

// PriceFeed consumes oracle price observations and records them for the
// per-block risk sweep. It writes through its own store handle, independent
// of the reconciler's block transactions: observations are keyed by
// (oracle, block) and upserted, so redeliveries and interleavings with block
// processing are harmless. A price arriving after its block was swept only
// means that block's sweep saw no candidates for the oracle.
type PriceFeed struct {
	js      jetstream.JetStream
	store   ledger.Store
	log     zerolog.Logger
	metrics *observability.Metrics

	consumer jetstream.ConsumeContext
}

func NewPriceFeed(js jetstream.JetStream, store ledger.Store, log zerolog.Logger, metrics *observability.Metrics) *PriceFeed {
	return &PriceFeed{
		js:      js,
		store:   store,
		log:     log.With().Str("component", "prices").Logger(),
		metrics: metrics,
	}
}

// Subscribe creates the durable price consumer and starts recording
// observations. Each message is acked once its row is durable; failed writes
// are naked and retried through redelivery.
func (f *PriceFeed) Subscribe(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, StreamPrices, jetstream.ConsumerConfig{
		Durable:       "lend-prices",
		FilterSubject: SubjectPricesObserved,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer lend-prices: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		f.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume lend-prices: %w", err)
	}
	f.consumer = cc

	f.log.Info().Str("subject", SubjectPricesObserved).Msg("subscribed to price observations")
	return nil
}

func (f *PriceFeed) handle(ctx context.Context, msg jetstream.Msg) {
	obs, err := ParsePriceObservation(msg.Data())
	if err != nil {
		f.log.Error().Err(err).Msg("price parse failed")
		msg.Nak()
		return
	}

	if err := f.store.PutPriceObservation(ctx, obs); err != nil {
		f.log.Warn().Err(err).
			Str("oracle", obs.Oracle.Hex()).
			Uint64("block", obs.BlockNumber).
			Msg("price write failed")
		if f.metrics != nil {
			f.metrics.StoreErrors.WithLabelValues("put_price").Inc()
		}
		msg.Nak()
		return
	}

	if f.metrics != nil {
		f.metrics.PriceObservations.Inc()
	}
	f.log.Debug().
		Str("oracle", obs.Oracle.Hex()).
		Str("price", obs.Price.String()).
		Uint64("block", obs.BlockNumber).
		Msg("price recorded")
	msg.Ack()
}

// Stop halts delivery.
func (f *PriceFeed) Stop() {
	if f.consumer != nil {
		f.consumer.Stop()
	}
	f.log.Info().Msg("price feed stopped")
}
