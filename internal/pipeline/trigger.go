package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// BatchRunner is what a trigger needs from the Dispatcher.
type BatchRunner interface {
	RunBatch(ctx context.Context) (*outbox.BatchSummary, error)
}

// TriggerRequest describes one Pub/Sub trigger. Every field is optional: any message,
// including an empty one, starts exactly one batch.
type TriggerRequest struct {
	Source string `json:"source,omitempty"`
}

// TriggerTransformer is a dataflow Transformer that turns any Pub/Sub message into a
// TriggerRequest. It never skips a message; an unreadable body only loses its source label.
func TriggerTransformer(_ context.Context, msg *messagepipeline.Message) (*TriggerRequest, bool, error) {
	req := &TriggerRequest{}
	if len(bytes.TrimSpace(msg.Payload)) == 0 {
		return req, false, nil
	}
	if err := json.Unmarshal(msg.Payload, req); err != nil {
		req.Source = ""
	}
	return req, false, nil
}

// NewTriggerProcessor runs one batch per trigger message. A failed claim is returned so
// the message is nacked and redelivered; per-record failures are already in the outbox.
func NewTriggerProcessor(runner BatchRunner, logger *slog.Logger) messagepipeline.StreamProcessor[TriggerRequest] {
	return func(ctx context.Context, original messagepipeline.Message, request *TriggerRequest) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"trigger_source", request.Source,
		)

		summary, err := runner.RunBatch(ctx)
		if err != nil {
			procLogger.Error("Triggered batch failed", "err", err)
			return err
		}

		procLogger.Info("Triggered batch complete",
			"processed", summary.Processed,
			"sent", summary.Sent,
			"failed", summary.Failed,
		)
		return nil
	}
}
