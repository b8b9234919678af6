// Package dispatch applies trip lifecycle events published by the external
// dispatcher. The dispatcher decides when a trip starts or ends; this
// package only records the decision through the coordinator.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"driver-state-service/apperrors"
	"driver-state-service/config"
)

const (
	TripStarted = "trip.started"
	TripEnded   = "trip.ended"
)

type TripEvent struct {
	Type     string `json:"type"`
	DriverID string `json:"driver_id"`
	TripID   string `json:"trip_id,omitempty"`
}

// TripApplier is implemented by state.Coordinator.
type TripApplier interface {
	StartTrip(ctx context.Context, driverID string) error
	EndTrip(ctx context.Context, driverID string) error
}

type Consumer struct {
	cfg     config.DispatchConfig
	applier TripApplier
	log     logrus.FieldLogger
}

func NewConsumer(cfg config.DispatchConfig, applier TripApplier, log logrus.FieldLogger) *Consumer {
	return &Consumer{cfg: cfg, applier: applier, log: log.WithField("component", "dispatch")}
}

// Run consumes until ctx is done, reconnecting with exponential backoff
// whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := c.consume(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		c.log.WithError(err).WithField("retry_in", wait.String()).Warn("dispatch consumer disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, b backoff.BackOff) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	b.Reset()
	c.log.WithField("queue", c.cfg.Queue).Info("dispatch consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle applies one delivery and settles it. Domain rejections are dropped
// (no requeue); transient failures are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var ev TripEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.log.WithError(err).Warn("dropping malformed trip event")
		c.settle(d.Nack(false, false))
		return
	}
	log := c.log.WithFields(logrus.Fields{"driver_id": ev.DriverID, "trip_id": ev.TripID, "event": ev.Type})

	var err error
	switch ev.Type {
	case TripStarted:
		err = c.applier.StartTrip(ctx, ev.DriverID)
	case TripEnded:
		err = c.applier.EndTrip(ctx, ev.DriverID)
	default:
		log.Warn("dropping trip event of unknown type")
		c.settle(d.Nack(false, false))
		return
	}

	switch {
	case err == nil:
		log.Info("trip event applied")
		c.settle(d.Ack(false))
	case requeue(err):
		log.WithError(err).Warn("trip event deferred")
		c.settle(d.Nack(false, true))
	default:
		log.WithError(err).WithField("error_kind", apperrors.KindOf(err)).Error("trip event rejected")
		c.settle(d.Nack(false, false))
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.log.WithError(err).Error("failed to settle delivery")
	}
}

func requeue(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.StoreUnavailable:
		return true
	case apperrors.Unknown:
		return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	}
	return false
}
