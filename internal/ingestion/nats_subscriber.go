package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName   = "GUILD_DEPOSITS"
	Subject      = "guild.deposits.>"
	ConsumerName = "guildledger-deposits"
)

// NATSSubscriber consumes deposit notices from JetStream and hands each
// payload to the processor. Messages are acked on OutcomeAck; transient
// failures are nak'd for redelivery, bounded by MaxDeliver.
type NATSSubscriber struct {
	js        jetstream.JetStream
	processor *Processor
	log       zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, processor *Processor, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, processor: processor, log: log}
}

// EnsureStream creates the deposit stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Subscribe creates the durable consumer and starts delivery.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch ns.processor.Process(ctx, msg.Data()) {
		case OutcomeAck:
			if err := msg.Ack(); err != nil {
				ns.log.Warn().Err(err).Msg("ack failed")
			}
		case OutcomeRetry:
			if err := msg.Nak(); err != nil {
				ns.log.Warn().Err(err).Msg("nak failed")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ConsumerName, err)
	}

	ns.consumer = cc
	ns.log.Info().Str("subject", Subject).Str("consumer", ConsumerName).Msg("subscribed to deposit stream")
	return nil
}

// Stop halts delivery. Safe to call before Subscribe.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
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
