package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const (
	DefaultBatchTimeout = 2 * time.Minute

	ErrorFetchFailed = "Failed to fetch notifications"
	ErrorInternal    = "Internal server error"
)

// BatchRunner runs one outbox pass.
type BatchRunner interface {
	RunBatch(ctx context.Context) (*outbox.BatchSummary, error)
}

// ErrorResponse is the body written on a fatal invocation failure. Summary carries the
// counts of an interrupted batch; records it reports were already marked.
type ErrorResponse struct {
	Error   string               `json:"error"`
	Message string               `json:"message"`
	Summary *outbox.BatchSummary `json:"summary,omitempty"`
}

type DispatchAPI struct {
	Runner  BatchRunner
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewDispatchAPI(runner BatchRunner, timeout time.Duration, logger *slog.Logger) *DispatchAPI {
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	return &DispatchAPI{
		Runner:  runner,
		Timeout: timeout,
		Logger:  logger.With("component", "DispatchAPI"),
	}
}

// Dispatch runs one batch for any request. Method and body are ignored.
// The batch is detached from the caller's cancellation so a scheduler that hangs up early
// does not strand claimed records halfway through.
func (api *DispatchAPI) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), api.Timeout)
	defer cancel()

	summary, err := api.Runner.RunBatch(ctx)
	if err != nil {
		label := ErrorInternal
		if errors.Is(err, outbox.ErrStore) {
			label = ErrorFetchFailed
		}
		resp := ErrorResponse{Error: label, Message: err.Error(), Summary: summary}
		if summary != nil {
			api.Logger.Error("Dispatch invocation failed", "err", err,
				"processed", summary.Processed, "sent", summary.Sent, "failed", summary.Failed)
		} else {
			api.Logger.Error("Dispatch invocation failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
