package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"soundswap/internal/metrics"
	"soundswap/internal/payments"
	"soundswap/internal/validator"
)

// PaymentEvent accepts a signed payment-completed notification and queues it
// for the credit worker.
func (h *Handler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := payments.VerifySignature(h.cfg.WebhookSecret, body, r.Header.Get("X-Signature")); err != nil {
		metrics.RecordPaymentEvent("rejected_signature")
		respondError(w, http.StatusUnauthorized, "invalid_signature")
		return
	}
	var event payments.Event
	if err := json.Unmarshal(body, &event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if errs := validator.ValidateStruct(event); errs != nil {
		respondValidation(w, errs)
		return
	}
	product, err := h.products.Resolve(event.ProductKey)
	if err != nil {
		metrics.RecordPaymentEvent("rejected_product")
		respondError(w, http.StatusBadRequest, "unknown_product")
		return
	}
	if event.AmountPaid != nil && !product.PriceMatches(*event.AmountPaid, event.Currency) {
		metrics.RecordPaymentEvent("rejected_price")
		respondError(w, http.StatusBadRequest, "price_mismatch")
		return
	}
	event.Attempts = 0
	event.ReceivedAt = time.Now().UTC()
	if err := h.events.Publish(r.Context(), event); err != nil {
		h.logger.Error("payment event not queued", "correlation_token", event.CorrelationToken, "error", err)
		h.respondOpaque(w, http.StatusServiceUnavailable, "queue_unavailable", err)
		return
	}
	metrics.RecordPaymentEvent("queued")
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":            "queued",
		"correlation_token": event.CorrelationToken,
	})
}
