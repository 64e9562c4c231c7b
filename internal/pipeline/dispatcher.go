// Package pipeline contains the outbox dispatch loop and the trigger stages that drive it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	DefaultBatchSize  = 10
	DefaultMaxRetries = 3

	DefaultTitle = "New Notification"
	DefaultBody  = "You have a new update"

	ReasonResolveFailed  = "Failed to get FCM tokens"
	ReasonNoActiveTarget = "No active FCM token"
	ReasonAllSendsFailed = "Failed to send to any device"
	ReasonRecordFailed   = "Failed to record delivery"

	MessageNothingPending = "No pending notifications"
)

// DispatcherConfig bounds one batch.
type DispatcherConfig struct {
	BatchSize  int
	MaxRetries int
}

// Dispatcher runs one bounded pass over the outbox: claim, resolve, send, record.
type Dispatcher struct {
	store    dispatch.OutboxStore
	resolver dispatch.TargetResolver
	sender   dispatch.Sender
	cfg      DispatcherConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewDispatcher(
	store dispatch.OutboxStore,
	resolver dispatch.TargetResolver,
	sender dispatch.Sender,
	cfg DispatcherConfig,
	logger *slog.Logger,
) (*Dispatcher, error) {
	if store == nil || resolver == nil || sender == nil {
		return nil, fmt.Errorf("%w: dispatcher needs a store, a resolver and a sender", outbox.ErrConfig)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		sender:   sender,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "Dispatcher"),
	}, nil
}

// RunBatch processes one batch. The only error it returns is a failure to claim the batch or
// a cancelled context; every per-record and per-device failure ends up in the outbox instead.
func (d *Dispatcher) RunBatch(ctx context.Context) (*outbox.BatchSummary, error) {
	start := d.now()
	defer func() { batchDurationHist.Observe(d.now().Sub(start).Seconds()) }()

	log := d.logger.With("invocation_id", uuid.NewString())

	records, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, d.cfg.MaxRetries)
	if err != nil {
		batchesCounter.WithLabelValues("claim_failed").Inc()
		log.Error("Failed to claim outbox batch", "err", err)
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	summary := &outbox.BatchSummary{Success: true}
	if len(records) == 0 {
		batchesCounter.WithLabelValues("empty").Inc()
		log.Debug("No pending notifications")
		summary.Message = MessageNothingPending
		summary.Timestamp = d.now().UTC()
		return summary, nil
	}
	log.Info("Claimed outbox batch", "count", len(records))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			// Unreached records stay pending for the next invocation.
			log.Warn("Batch interrupted", "processed", summary.Processed, "claimed", len(records), "err", err)
			summary.Success = false
			summary.Timestamp = d.now().UTC()
			return summary, fmt.Errorf("batch interrupted after %d of %d records: %w", summary.Processed, len(records), err)
		}

		summary.Processed++
		if d.processRecord(ctx, log, rec) {
			summary.Sent++
			recordsCounter.WithLabelValues("sent").Inc()
		} else {
			summary.Failed++
			recordsCounter.WithLabelValues("failed").Inc()
		}
	}

	batchesCounter.WithLabelValues("ok").Inc()
	summary.Timestamp = d.now().UTC()
	log.Info("Batch complete", "processed", summary.Processed, "sent", summary.Sent, "failed", summary.Failed)
	return summary, nil
}

// processRecord reports whether the record was delivered and committed as sent.
func (d *Dispatcher) processRecord(ctx context.Context, log *slog.Logger, rec outbox.Record) bool {
	recLog := log.With("outbox_id", rec.ID, "recipient_id", rec.RecipientID)

	targets, err := d.resolver.Resolve(ctx, rec.RecipientID)
	if err != nil {
		recLog.Error("Failed to resolve delivery targets", "err", err)
		d.markFailed(ctx, recLog, rec, ReasonResolveFailed)
		return false
	}

	active := make([]outbox.Target, 0, len(targets))
	for _, t := range targets {
		if t.Active && t.Token != "" {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		recLog.Info("Recipient has no active devices", "err", outbox.ErrNoActiveTarget)
		d.markFailed(ctx, recLog, rec, ReasonNoActiveTarget)
		return false
	}

	n := outbox.Notification{
		Title: rec.Payload.TextOr("title", DefaultTitle),
		Body:  rec.Payload.TextOr("body", DefaultBody),
		Data:  rec.Payload.DataFields(),
	}

	delivered := 0
	for i, t := range active {
		if err := d.sender.Send(ctx, t.Token, n); err != nil {
			sendsCounter.WithLabelValues(sendResult(err)).Inc()
			recLog.Warn("Delivery to device failed", "device", i, "err", err)
			continue
		}
		sendsCounter.WithLabelValues("delivered").Inc()
		delivered++
	}

	if delivered == 0 {
		d.markFailed(ctx, recLog, rec, ReasonAllSendsFailed)
		return false
	}

	if err := d.store.MarkSent(ctx, rec.ID, d.now().UTC()); err != nil {
		// A row left pending here would be redelivered on every invocation.
		storeUpdateErrorsCounter.Inc()
		recLog.Error("Delivered but failed to mark record sent", "devices", delivered, "err", err)
		d.markFailed(ctx, recLog, rec, ReasonRecordFailed)
		return false
	}

	recLog.Info("Notification sent", "devices", delivered, "targets", len(active))
	return true
}

func (d *Dispatcher) markFailed(ctx context.Context, log *slog.Logger, rec outbox.Record, reason string) {
	if err := d.store.MarkFailed(ctx, rec.ID, reason, rec.RetryCount+1); err != nil {
		storeUpdateErrorsCounter.Inc()
		log.Error("Failed to mark record failed", "reason", reason, "err", err)
	}
}

func sendResult(err error) string {
	switch {
	case errors.Is(err, outbox.ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, outbox.ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
