package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"watchtower/internal/domain"
	"watchtower/internal/escalate"
	"watchtower/internal/events"
	"watchtower/internal/store"
	"watchtower/internal/token"
)

const maxBodyBytes = 1 << 20

// api bundles the dependencies of the HTTP surface.
// Params: incident store, escalation engine, event publisher, and ready flag.
// Returns: handler set mounted by newRouter.
type api struct {
	store    store.IncidentStore
	escalate *escalate.Engine
	bus      events.Publisher
	ready    *atomic.Bool
	logger   *slog.Logger
}

// newRouter mounts all HTTP endpoints on one mux.
// Params: api dependency bundle.
// Returns: ready-to-serve mux.
func newRouter(a *api) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(writer http.ResponseWriter, _ *http.Request) {
		if a.ready == nil || !a.ready.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	mux.HandleFunc("GET /incidents/ack", a.handleAcknowledge)
	mux.HandleFunc("POST /event", a.handleEvent)
	mux.HandleFunc("POST /escalate", a.handleEscalate)

	mux.HandleFunc("GET /services", a.handleListServices)
	mux.HandleFunc("POST /services", a.handleAddService)
	mux.HandleFunc("DELETE /services/{id}", a.handleDeleteService)
	mux.HandleFunc("PUT /services/{id}/admin", a.handleServiceAdmin)
	mux.HandleFunc("POST /admins", a.handleAddAdmin)
	mux.HandleFunc("PATCH /admins/{id}", a.handleAdminContact)
	return mux
}

// writeJSON renders one JSON response with status code.
// Params: writer, HTTP status, and payload.
// Returns: none.
func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

// writeDetail renders one error response in {"detail": ...} form.
// Params: writer, HTTP status, and detail message.
// Returns: none.
func writeDetail(writer http.ResponseWriter, status int, detail string) {
	writeJSON(writer, status, map[string]string{"detail": detail})
}

// handleAcknowledge redeems one ack token from the mail link.
// Params: request with token query parameter.
// Returns: none; outcome or error detail is written to the response.
func (a *api) handleAcknowledge(writer http.ResponseWriter, request *http.Request) {
	raw := request.URL.Query().Get("token")
	if raw == "" {
		writeDetail(writer, http.StatusBadRequest, "Invalid token")
		return
	}
	outcome, err := a.escalate.Acknowledge(request.Context(), raw)
	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, map[string]string{"status": string(outcome)})
	case errors.Is(err, token.ErrTokenExpired):
		writeDetail(writer, http.StatusBadRequest, "Token expired")
	case errors.Is(err, token.ErrTokenInvalid):
		writeDetail(writer, http.StatusBadRequest, "Invalid token")
	case errors.Is(err, store.ErrNotFound):
		writeDetail(writer, http.StatusNotFound, "Incident not found")
	default:
		a.logError("acknowledge failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
	}
}

// handleEvent accepts one pushed lifecycle event.
// Params: request with LifecycleEvent JSON body.
// Returns: none; 202 on accept.
func (a *api) handleEvent(writer http.ResponseWriter, request *http.Request) {
	body := http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	var event domain.LifecycleEvent
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid payload")
		return
	}
	if err := event.Validate(); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid payload")
		return
	}
	if err := a.bus.Publish(request.Context(), event); err != nil {
		a.logError("event publish failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(writer, http.StatusAccepted, map[string]string{"status": "event accepted"})
}

// handleEscalate runs one escalation check pushed by an external scheduler.
// Params: request with {"incident_id": N} body.
// Returns: none; 200 when the check completed.
func (a *api) handleEscalate(writer http.ResponseWriter, request *http.Request) {
	body := http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	var payload struct {
		IncidentID int64 `json:"incident_id"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil || payload.IncidentID <= 0 {
		writeDetail(writer, http.StatusBadRequest, "Missing incident_id")
		return
	}
	if err := a.escalate.HandleEscalationCheck(request.Context(), payload.IncidentID); err != nil {
		a.logError("escalation check failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"status": "escalation check completed"})
}

// serviceCreateRequest is the POST /services body.
type serviceCreateRequest struct {
	Name                string `json:"name"`
	Address             string `json:"address"`
	FrequencySeconds    int    `json:"frequency_seconds"`
	AlertingWindowPings int    `json:"alerting_window_npings"`
	FailureThreshold    int    `json:"failure_threshold"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
}

// handleAddService registers one monitored service.
// Params: request with service JSON body.
// Returns: none; 201 with the assigned ID.
func (a *api) handleAddService(writer http.ResponseWriter, request *http.Request) {
	body := http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	var payload serviceCreateRequest
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid payload")
		return
	}
	if payload.Name == "" || payload.Address == "" || payload.FrequencySeconds <= 0 {
		writeDetail(writer, http.StatusBadRequest, "name, address and frequency_seconds are required")
		return
	}

	service, err := a.store.AddService(request.Context(), domain.Service{
		Name:                payload.Name,
		Address:             payload.Address,
		FrequencySeconds:    payload.FrequencySeconds,
		AlertingWindowPings: payload.AlertingWindowPings,
		FailureThreshold:    payload.FailureThreshold,
		TimeoutSeconds:      payload.TimeoutSeconds,
	})
	if err != nil {
		a.logError("add service failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(writer, http.StatusCreated, map[string]any{"status": "service added", "id": service.ID})
}

// handleListServices returns all registered services.
// Params: request.
// Returns: none; 200 with the service list.
func (a *api) handleListServices(writer http.ResponseWriter, request *http.Request) {
	services, err := a.store.ListServices(request.Context())
	if err != nil {
		a.logError("list services failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(writer, http.StatusOK, services)
}

// handleDeleteService removes one service.
// Params: request with {id} path value.
// Returns: none; 404 when the service is unknown.
func (a *api) handleDeleteService(writer http.ResponseWriter, request *http.Request) {
	serviceID, err := strconv.ParseInt(request.PathValue("id"), 10, 64)
	if err != nil || serviceID <= 0 {
		writeDetail(writer, http.StatusNotFound, "Service not found")
		return
	}
	err = a.store.DeleteService(request.Context(), serviceID)
	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, map[string]string{"status": "service deleted"})
	case errors.Is(err, store.ErrNotFound):
		writeDetail(writer, http.StatusNotFound, "Service not found")
	default:
		a.logError("delete service failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
	}
}

// serviceAdminRequest is the PUT /services/{id}/admin body.
type serviceAdminRequest struct {
	AdminID int64  `json:"admin_id"`
	Role    string `json:"role"`
}

// handleServiceAdmin binds one admin to a service role.
// Params: request with {id} path value and admin/role body.
// Returns: none; 404 when service, admin, or role is unknown.
func (a *api) handleServiceAdmin(writer http.ResponseWriter, request *http.Request) {
	serviceID, err := strconv.ParseInt(request.PathValue("id"), 10, 64)
	if err != nil || serviceID <= 0 {
		writeDetail(writer, http.StatusNotFound, "Service or role not found")
		return
	}
	body := http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	var payload serviceAdminRequest
	if err := json.NewDecoder(body).Decode(&payload); err != nil || payload.AdminID <= 0 {
		writeDetail(writer, http.StatusBadRequest, "Invalid payload")
		return
	}
	role := domain.Role(payload.Role)
	if !role.Valid() {
		writeDetail(writer, http.StatusNotFound, "Service or role not found")
		return
	}

	err = a.store.UpsertServiceAdmin(request.Context(), serviceID, payload.AdminID, role)
	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, map[string]string{"status": "service admin updated"})
	case errors.Is(err, store.ErrNotFound):
		writeDetail(writer, http.StatusNotFound, "Service or role not found")
	default:
		a.logError("service admin update failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
	}
}

// adminCreateRequest is the POST /admins body.
type adminCreateRequest struct {
	Name         string `json:"name"`
	ContactType  string `json:"contact_type"`
	ContactValue string `json:"contact_value"`
}

// handleAddAdmin registers one administrator.
// Params: request with admin JSON body.
// Returns: none; 201 with the assigned ID.
func (a *api) handleAddAdmin(writer http.ResponseWriter, request *http.Request) {
	body := http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	var payload adminCreateRequest
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid payload")
		return
	}
	if payload.Name == "" || payload.ContactValue == "" {
		writeDetail(writer, http.StatusBadRequest, "name and contact_value are required")
		return
	}
	admin, err := a.store.AddAdmin(request.Context(), domain.Admin{
		Name:         payload.Name,
		ContactType:  payload.ContactType,
		ContactValue: payload.ContactValue,
	})
	if err != nil {
		a.logError("add admin failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(writer, http.StatusCreated, map[string]any{"status": "admin added", "id": admin.ID})
}

// adminContactRequest is the PATCH /admins/{id} body.
type adminContactRequest struct {
	ContactType  *string `json:"contact_type"`
	ContactValue *string `json:"contact_value"`
}

// handleAdminContact updates administrator contact details.
// Params: request with {id} path value and sparse contact body.
// Returns: none; 400 when no fields are present, 404 for unknown admins.
func (a *api) handleAdminContact(writer http.ResponseWriter, request *http.Request) {
	adminID, err := strconv.ParseInt(request.PathValue("id"), 10, 64)
	if err != nil || adminID <= 0 {
		writeDetail(writer, http.StatusNotFound, "Admin not found")
		return
	}
	body := http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	var payload adminContactRequest
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid payload")
		return
	}
	if payload.ContactType == nil && payload.ContactValue == nil {
		writeDetail(writer, http.StatusBadRequest, "No fields to update")
		return
	}
	contactType := ""
	if payload.ContactType != nil {
		contactType = *payload.ContactType
	}
	contactValue := ""
	if payload.ContactValue != nil {
		contactValue = *payload.ContactValue
	}

	err = a.store.UpdateAdminContact(request.Context(), adminID, contactType, contactValue)
	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, map[string]string{"status": "admin contact updated"})
	case errors.Is(err, store.ErrNotFound):
		writeDetail(writer, http.StatusNotFound, "Admin not found")
	default:
		a.logError("admin contact update failed", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal error")
	}
}

// logError logs one handler failure when a logger is attached.
// Params: message and error.
// Returns: none.
func (a *api) logError(message string, err error) {
	if a.logger != nil {
		a.logger.Error(message, "error", err.Error())
	}
}

// newHTTPServer wraps the router in a server with sane timeouts.
// Params: listen address and mounted mux.
// Returns: configured server.
func newHTTPServer(listen string, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
