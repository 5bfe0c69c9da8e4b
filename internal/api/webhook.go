/**
 * @description
 * HTTP handler for indexer webhook deliveries. The handler never credits
 * anything itself: every item that carries a signature is durably enqueued and
 * the request is answered as soon as the queue accepted it. Crediting happens
 * later, off the request path.
 *
 * @dependencies
 * - internal/normalize: body decoding and the signature extraction rule.
 * - internal/app: the WebhookQueue the items are handed to.
 */
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/transfa/deposit-relay/internal/app"
	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/metrics"
	"github.com/transfa/deposit-relay/internal/normalize"
)

const defaultMaxBodyBytes int64 = 1 << 20

// WebhookHandler accepts POST /deposit-events.
type WebhookHandler struct {
	queue        app.WebhookQueue
	authToken    string
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewWebhookHandler creates the webhook handler. An empty authToken disables the
// Authorization check.
func NewWebhookHandler(queue app.WebhookQueue, authToken string, maxBodyBytes int64, logger *slog.Logger) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &WebhookHandler{
		queue:        queue,
		authToken:    authToken,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With("component", "webhook_handler"),
	}
}

type ackResponse struct {
	OK       bool `json:"ok"`
	Accepted int  `json:"accepted"`
	Dropped  int  `json:"dropped,omitempty"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	if h.authToken != "" {
		provided := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.authToken)) != 1 {
			h.logger.Warn("webhook rejected: bad authorization", "request_id", requestID, "remote_addr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, ackResponse{OK: false})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ackResponse{OK: false})
			return
		}
		h.logger.Warn("webhook rejected: unreadable body", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusBadRequest, ackResponse{OK: false})
		return
	}

	items, err := normalize.DecodePayloads(body)
	if err != nil {
		h.logger.Warn("webhook rejected: body is not a payload object or array", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusBadRequest, ackResponse{OK: false})
		return
	}

	response := ackResponse{OK: true}
	for _, item := range items {
		signature := normalize.ExtractSignature(item)
		if signature == "" {
			response.Dropped++
			metrics.EventsObserved.WithLabelValues(string(domain.ChannelWebhook), "dropped").Inc()
			continue
		}
		encoded, err := json.Marshal(item)
		if err != nil {
			response.Dropped++
			h.logger.Warn("failed to re-encode webhook item", "request_id", requestID, "signature", signature, "error", err)
			continue
		}
		id, err := h.queue.Enqueue(r.Context(), signature, encoded)
		if err != nil {
			// The provider redelivers on any non-200; already enqueued items are absorbed by reservation.
			h.logger.Error("failed to enqueue webhook item", "request_id", requestID, "signature", signature, "error", err)
			writeJSON(w, http.StatusInternalServerError, ackResponse{OK: false, Accepted: response.Accepted})
			return
		}
		response.Accepted++
		h.logger.Info("webhook item enqueued", "request_id", requestID, "signature", signature, "queue_id", id)
	}

	if response.Accepted == 0 {
		h.logger.Warn("webhook rejected: no item carries a signature", "request_id", requestID, "items", len(items))
		writeJSON(w, http.StatusBadRequest, ackResponse{OK: false, Dropped: response.Dropped})
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
