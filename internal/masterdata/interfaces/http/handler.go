package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"powermeter-cloud/internal/audit"
	"powermeter-cloud/internal/auth"
	masterdata "powermeter-cloud/internal/masterdata/domain"
)

// DeviceService manages the device directory of a customer.
type DeviceService interface {
	Add(ctx context.Context, device *masterdata.Device) error
	Update(ctx context.Context, device *masterdata.Device) error
	Delete(ctx context.Context, customerID, id string) error
	Store() masterdata.DeviceStore
}

// ReadingPurger removes every stored reading of a customer.
type ReadingPurger interface {
	DeleteByCustomer(ctx context.Context, customerID string) (int64, error)
}

// Handler provides device directory endpoints.
type Handler struct {
	devices  DeviceService
	readings ReadingPurger
	audit    audit.Logger
	logger   zerolog.Logger
}

// NewHandler constructs a handler. auditLog may be nil.
func NewHandler(devices DeviceService, readings ReadingPurger, auditLog audit.Logger, logger zerolog.Logger) (*Handler, error) {
	if devices == nil {
		return nil, errors.New("devices handler: nil device service")
	}
	if readings == nil {
		return nil, errors.New("devices handler: nil reading purger")
	}
	return &Handler{devices: devices, readings: readings, audit: auditLog, logger: logger}, nil
}

// Register mounts the device and customer routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/v1/devices", h.handleList)
	r.Post("/api/v1/devices", h.handleAdd)
	r.Get("/api/v1/devices/{deviceID}", h.handleGet)
	r.Put("/api/v1/devices/{deviceID}", h.handleUpdate)
	r.Delete("/api/v1/devices/{deviceID}", h.handleDelete)
	r.Delete("/api/v1/customers/{customerID}/readings", h.handlePurge)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customer(w, r)
	if !ok {
		return
	}
	list, err := h.devices.Store().ListByCustomer(r.Context(), customerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []masterdata.Device{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customer(w, r)
	if !ok {
		return
	}
	device, err := h.devices.Store().Get(r.Context(), chi.URLParam(r, "deviceID"), customerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if device == nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customer(w, r)
	if !ok {
		return
	}
	var device masterdata.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	device.CustomerID = customerID
	if err := h.devices.Add(r.Context(), &device); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	h.record(r, audit.ActionDeviceAdd, "device", device.ID, device)
	writeJSON(w, http.StatusCreated, device)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customer(w, r)
	if !ok {
		return
	}
	var device masterdata.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	device.ID = chi.URLParam(r, "deviceID")
	device.CustomerID = customerID
	if err := h.devices.Update(r.Context(), &device); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	h.record(r, audit.ActionDeviceUpdate, "device", device.ID, device)
	writeJSON(w, http.StatusOK, device)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customer(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	if err := h.devices.Delete(r.Context(), customerID, deviceID); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	h.record(r, audit.ActionDeviceDelete, "device", deviceID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customer(w, r)
	if !ok {
		return
	}
	if chi.URLParam(r, "customerID") != customerID {
		http.Error(w, auth.ErrForbidden.Error(), http.StatusForbidden)
		return
	}
	deleted, err := h.readings.DeleteByCustomer(r.Context(), customerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Info().Str("customer_id", customerID).Int64("deleted", deleted).Msg("customer readings purged")
	h.record(r, audit.ActionReadingPurge, "customer", customerID, map[string]int64{"deleted": deleted})
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *Handler) record(r *http.Request, action, resourceType, resourceID string, metadata any) {
	if h.audit == nil {
		return
	}
	entry := audit.FromRequest(r, audit.Entry{
		CustomerID:   auth.CustomerIDFromContext(r.Context()),
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = raw
		}
	}
	if err := h.audit.Log(r.Context(), entry); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("audit log failed")
	}
}

func customer(w http.ResponseWriter, r *http.Request) (string, bool) {
	customerID := auth.CustomerIDFromContext(r.Context())
	if customerID == "" {
		http.Error(w, auth.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return "", false
	}
	return customerID, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, masterdata.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, masterdata.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, masterdata.ErrSiteNotFound):
		return http.StatusBadRequest
	case errors.Is(err, masterdata.ErrLicenseExceeded),
		errors.Is(err, masterdata.ErrUnknownCustomer),
		errors.Is(err, masterdata.ErrCustomerDisabled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
