// Package worker evaluates recorded deliveries off the request path.
// It subscribes to the delivery topic so slow evaluation (history scans,
// custom rules) never blocks the recording endpoint. Pro tier only.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensafety/vigia/internal/deliveries"
	"github.com/opensafety/vigia/internal/domain"
)

// Worker consumes delivery-recorded events and runs evaluation.
type Worker struct {
	bus      domain.EventBus
	recorder *deliveries.Service
	logger   *slog.Logger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates the async evaluation worker.
func NewWorker(bus domain.EventBus, recorder *deliveries.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the delivery topic. Handler entry and exit are
// tracked so Stop can wait out in-flight evaluations.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicDeliveryRecorded, func(ctx context.Context, msg *domain.Message) error {
		w.wg.Add(1)
		defer w.wg.Done()
		return w.handleMessage(ctx, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("async evaluation worker started", "topic", domain.TopicDeliveryRecorded)
	return nil
}

// deliveryMessage is the payload published when a delivery is recorded.
type deliveryMessage struct {
	DeliveryID string `json:"deliveryId"`
	EmployeeID string `json:"employeeId"`
	MaterialID string `json:"materialId"`
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var dm deliveryMessage
	if err := json.Unmarshal(msg.Payload, &dm); err != nil {
		w.logger.Error("failed to parse delivery message", "message_id", msg.ID, "error", err)
		return err
	}
	if dm.DeliveryID == "" {
		return nil
	}

	alerts, err := w.recorder.Evaluate(ctx, dm.DeliveryID, time.Now().UTC())
	if err != nil {
		w.logger.Error("async evaluation failed", "delivery_id", dm.DeliveryID, "error", err)
		return err
	}

	w.logger.Info("delivery evaluated",
		"delivery_id", dm.DeliveryID,
		"employee_id", dm.EmployeeID,
		"alerts", len(alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.logger.Info("async evaluation worker stopped")
	return nil
}

// Stats reports the worker's active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
