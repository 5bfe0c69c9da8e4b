package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

// StatusCounter reports record counts per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	counter        StatusCounter
	watchedAddress string
	logger         *slog.Logger
}

func NewHealthHandler(counter StatusCounter, watchedAddress string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		counter:        counter,
		watchedAddress: watchedAddress,
		logger:         logger.With("component", "health_handler"),
	}
}

type healthResponse struct {
	OK             bool             `json:"ok"`
	WatchedAddress string           `json:"watchedAddress"`
	PendingCount   int64            `json:"pendingCount"`
	FailedCount    int64            `json:"failedCount"`
	CreditedCount  int64            `json:"creditedCount"`
	StatusCounts   map[string]int64 `json:"statusCounts,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	counts, err := h.counter.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to count processing records", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false, WatchedAddress: h.watchedAddress})
		return
	}

	byStatus := make(map[string]int64, len(domain.AllStatuses))
	for _, status := range domain.AllStatuses {
		byStatus[string(status)] = counts[status]
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:             true,
		WatchedAddress: h.watchedAddress,
		PendingCount:   counts.Pending(),
		FailedCount:    counts.Failed(),
		CreditedCount:  counts.Credited(),
		StatusCounts:   byStatus,
	})
}
