package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	alarms "powermeter-cloud/internal/alarms/domain"
	"powermeter-cloud/internal/alarms/interfaces/export"
	"powermeter-cloud/internal/auth"
)

// AlarmQuery lists alarms by device, else site, else customer.
type AlarmQuery interface {
	FilterAlarms(ctx context.Context, customerID, siteID, deviceID string) ([]alarms.Alarm, error)
}

// Handler provides alarm HTTP endpoints.
type Handler struct {
	query AlarmQuery
}

// NewHandler constructs a handler.
func NewHandler(query AlarmQuery) (*Handler, error) {
	if query == nil {
		return nil, errors.New("alarms handler: nil query")
	}
	return &Handler{query: query}, nil
}

// Register mounts the alarm routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/v1/alarms", h.handleList)
	r.Get("/api/v1/alarms/export.xlsx", h.handleExportXLSX)
	r.Get("/api/v1/alarms/export.pdf", h.handleExportPDF)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, ok := h.filter(w, r)
	if !ok {
		return
	}
	if list == nil {
		list = []alarms.Alarm{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (h *Handler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	list, ok := h.filter(w, r)
	if !ok {
		return
	}
	body, err := export.BuildAlarmXLSX(list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="alarms.xlsx"`)
	_, _ = w.Write(body)
}

func (h *Handler) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	list, ok := h.filter(w, r)
	if !ok {
		return
	}
	body, err := export.BuildAlarmPDF(auth.CustomerIDFromContext(r.Context()), list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="alarms.pdf"`)
	_, _ = w.Write(body)
}

func (h *Handler) filter(w http.ResponseWriter, r *http.Request) ([]alarms.Alarm, bool) {
	customerID := auth.CustomerIDFromContext(r.Context())
	if customerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	query := r.URL.Query()
	list, err := h.query.FilterAlarms(r.Context(), customerID, query.Get("site_id"), query.Get("device_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return list, true
}
