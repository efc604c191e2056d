package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"powermeter-cloud/internal/auth"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// maxPayloadBytes caps one ingest body.
const maxPayloadBytes = 1 << 20

// Ingester persists one raw payload for a customer.
type Ingester interface {
	Ingest(ctx context.Context, customerID string, raw []byte) (*telemetry.Reading, error)
}

// IngestHandler handles meter payloads posted by gateways.
type IngestHandler struct {
	ingester Ingester
	logger   zerolog.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingester Ingester, logger zerolog.Logger) (*IngestHandler, error) {
	if ingester == nil {
		return nil, errors.New("telemetry ingest: nil ingester")
	}
	return &IngestHandler{ingester: ingester, logger: logger}, nil
}

// Register mounts POST /ingest/{customerID}.
func (h *IngestHandler) Register(r chi.Router) {
	r.Post("/ingest/{customerID}", h.ServeHTTP)
}

// ServeHTTP ingests one payload and answers with the stored reading.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	customerID := chi.URLParam(r, "customerID")
	if err := auth.ValidateCustomerID(customerID); err != nil {
		http.Error(w, "invalid customer id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Warn().Err(err).Str("customer_id", customerID).Msg("read ingest body failed")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	reading, err := h.ingester.Ingest(r.Context(), customerID, body)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reading)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, telemetry.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, masterdata.ErrUnknownCustomer),
		errors.Is(err, masterdata.ErrCustomerDisabled),
		errors.Is(err, masterdata.ErrLicenseExceeded):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
