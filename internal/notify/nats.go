package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"lendmirror/internal/observability"
)

// SubjectLiquidatable carries liquidatable-set updates.
const SubjectLiquidatable = "lendmirror.liquidatable"

// streamName is the JetStream stream holding all mirror notifications.
const streamName = "LENDMIRROR"

// Connect dials NATS with unlimited reconnects and returns the JetStream
// context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

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

// EnsureStream creates the notification stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"lendmirror.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}

// NATSPublisher delivers updates to JetStream for external consumers.
type NATSPublisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewNATSPublisher(js jetstream.JetStream, metrics *observability.Metrics) *NATSPublisher {
	return &NATSPublisher{
		js:      js,
		log:     observability.NewLogger("notify-nats"),
		metrics: metrics,
	}
}

// PublishLiquidatable publishes the new set to SubjectLiquidatable.
func (p *NATSPublisher) PublishLiquidatable(ctx context.Context, accounts []common.Address, height uint64) error {
	data, err := json.Marshal(NewLiquidatableUpdate(accounts, height))
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if _, err := p.js.Publish(ctx, SubjectLiquidatable, data); err != nil {
		p.metrics.NotifyErrors.WithLabelValues("nats").Inc()
		return fmt.Errorf("publish %s: %w", SubjectLiquidatable, err)
	}
	p.metrics.NotifyPublished.WithLabelValues("nats").Inc()
	return nil
}
