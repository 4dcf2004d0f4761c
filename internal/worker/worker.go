// Package worker consumes decision events and feeds the review sink.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker subscribes to flagged decisions and rate limit denials on the
// event bus and persists them for offline review. It is the only
// component that writes audit history; the engine itself stays
// stateless beyond its counters.
type Worker struct {
	bus  domain.EventBus
	repo domain.ReviewRepository

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a review worker.
func NewWorker(bus domain.EventBus, repo domain.ReviewRepository) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the decision topics.
func (w *Worker) Start() error {
	flagged, err := w.bus.Subscribe(w.ctx, domain.TopicDecisionFlagged, w.handleFlagged)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicDecisionFlagged, err)
	}
	w.subscriptions = append(w.subscriptions, flagged)

	denied, err := w.bus.Subscribe(w.ctx, domain.TopicRateLimitDenied, w.handleDenial)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicRateLimitDenied, err)
	}
	w.subscriptions = append(w.subscriptions, denied)

	slog.Info("review worker started",
		"topics", []string{domain.TopicDecisionFlagged, domain.TopicRateLimitDenied},
	)
	return nil
}

// handleFlagged persists a flagged fraud decision.
func (w *Worker) handleFlagged(ctx context.Context, msg *domain.Message) error {
	var event domain.DecisionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse decision event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.Result == nil {
		slog.Warn("decision event without result", "message_id", msg.ID)
		return nil
	}

	rec := &domain.ReviewRecord{
		ID:         uuid.New().String(),
		DecisionID: event.DecisionID,
		CheckType:  event.CheckType,
		Identifier: event.Identifier,
		RiskLevel:  event.Result.RiskLevel,
		Score:      event.Result.TotalScore,
		Action:     event.Result.Action,
		Reason:     event.Result.Reason,
		Signals:    event.Result.Signals,
		CreatedAt:  event.Timestamp,
	}

	if err := w.repo.SaveReview(ctx, rec); err != nil {
		slog.Error("failed to save review record",
			"decision_id", event.DecisionID,
			"error", err,
		)
		return err
	}

	slog.Debug("flagged decision persisted",
		"decision_id", event.DecisionID,
		"check_type", event.CheckType,
		"risk_level", event.Result.RiskLevel,
	)
	return nil
}

// denialEvent mirrors the payload published by the rate limiter.
type denialEvent struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint"`
	Window     string `json:"window"`
	Count      int64  `json:"count"`
	Limit      int64  `json:"limit"`
}

// handleDenial persists a rate limit denial.
func (w *Worker) handleDenial(ctx context.Context, msg *domain.Message) error {
	var event denialEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse denial event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	reason := fmt.Sprintf("Rate limit exceeded: %d/%d in %s window", event.Count, event.Limit, event.Window)
	if event.Endpoint != "" {
		reason += " for " + event.Endpoint
	}

	rec := &domain.ReviewRecord{
		ID:         uuid.New().String(),
		DecisionID: msg.ID,
		CheckType:  "ratelimit",
		Identifier: event.Identifier,
		RiskLevel:  domain.RiskMedium,
		Action:     domain.ActionBlock,
		Reason:     reason,
		Signals: []domain.FraudSignal{
			domain.NewSignal(domain.SignalRateLimitExceeded, domain.RiskMedium, 0, reason, map[string]any{
				"window":   event.Window,
				"endpoint": event.Endpoint,
				"count":    event.Count,
				"limit":    event.Limit,
			}),
		},
		CreatedAt: time.Unix(0, msg.Timestamp).UTC(),
	}

	if err := w.repo.SaveReview(ctx, rec); err != nil {
		slog.Error("failed to save denial record",
			"identifier", event.Identifier,
			"error", err,
		)
		return err
	}
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("review worker stopped")
	return nil
}

// Stats returns worker statistics.
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
