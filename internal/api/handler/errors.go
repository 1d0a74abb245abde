package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opserve/errlog/internal/api/response"
	"github.com/opserve/errlog/internal/capture"
	"github.com/opserve/errlog/internal/dedup"
	"github.com/opserve/errlog/internal/store"
	"github.com/opserve/errlog/pkg/models"
)

// Errors exposes the error-record ingest and operator endpoints.
type Errors struct {
	logger *dedup.Logger
	store  store.Store
}

// NewErrors creates the handler set.
func NewErrors(logger *dedup.Logger, st store.Store) *Errors {
	return &Errors{logger: logger, store: st}
}

type reportRequest struct {
	Type            string            `json:"type"`
	Message         string            `json:"message"`
	Detail          string            `json:"detail"`
	Source          string            `json:"source"`
	MachineName     string            `json:"machine_name"`
	Category        string            `json:"category"`
	ApplicationName string            `json:"application_name"`
	RollupPerServer *bool             `json:"rollup_per_server"`
	CustomData      map[string]string `json:"custom_data"`
	Commands        []models.Command  `json:"commands"`
	Request         *requestContext   `json:"request"`
}

type requestContext struct {
	Method      string                 `json:"method"`
	URL         string                 `json:"url"`
	Host        string                 `json:"host"`
	IPAddress   string                 `json:"ip_address"`
	StatusCode  *int                   `json:"status_code"`
	Headers     []models.NameValuePair `json:"headers"`
	QueryString []models.NameValuePair `json:"query_string"`
	Form        []models.NameValuePair `json:"form"`
	Cookies     []models.NameValuePair `json:"cookies"`
}

type reportResponse struct {
	Status string     `json:"status"`
	GUID   *uuid.UUID `json:"guid,omitempty"`
}

// Report ingests one error occurrence, deduplicating against the rollup
// window.
func (h *Errors) Report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Malformed JSON body", nil)
		return
	}

	rep := capture.Report{
		TypeName:    req.Type,
		Message:     req.Message,
		Detail:      req.Detail,
		Source:      req.Source,
		MachineName: req.MachineName,
	}
	opts := capture.Options{
		Category:        req.Category,
		ApplicationName: req.ApplicationName,
		RollupPerServer: req.RollupPerServer,
		CustomData:      req.CustomData,
		Commands:        req.Commands,
	}
	if rc := req.Request; rc != nil {
		opts.Request = &capture.RequestContext{
			Method:      rc.Method,
			URL:         rc.URL,
			Host:        rc.Host,
			IPAddress:   rc.IPAddress,
			StatusCode:  rc.StatusCode,
			Headers:     rc.Headers,
			QueryString: rc.QueryString,
			Form:        rc.Form,
			Cookies:     rc.Cookies,
		}
	}

	res, err := h.logger.LogReport(r.Context(), rep, opts)
	if errors.Is(err, capture.ErrEmptyReport) {
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "Report requires a message", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Failed to persist error record", nil)
		return
	}

	body := reportResponse{Status: string(res.Status)}
	switch res.Status {
	case dedup.StatusCreated:
		body.GUID = &res.GUID
		response.Created(w, body)
	case dedup.StatusDuplicate:
		body.GUID = &res.GUID
		response.JSON(w, body)
	default:
		response.JSON(w, body)
	}
}

// List returns records ordered by most-recent last occurrence.
func (h *Errors) List(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		ApplicationName: r.URL.Query().Get("application"),
	}
	if v := r.URL.Query().Get("include_deleted"); v != "" {
		f.IncludeDeleted, _ = strconv.ParseBool(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	records, err := h.store.List(r.Context(), f)
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Failed to list error records", nil)
		return
	}
	if records == nil {
		records = []*models.ErrorRecord{}
	}
	response.JSON(w, records)
}

// Get returns a single record by GUID.
func (h *Errors) Get(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseGUID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), guid)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error record not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Failed to load error record", nil)
		return
	}
	response.JSON(w, rec)
}

// Protect exempts a record from retention and soft deletion.
func (h *Errors) Protect(w http.ResponseWriter, r *http.Request) {
	h.setProtected(w, r, true)
}

// Unprotect clears the protection flag.
func (h *Errors) Unprotect(w http.ResponseWriter, r *http.Request) {
	h.setProtected(w, r, false)
}

func (h *Errors) setProtected(w http.ResponseWriter, r *http.Request, protected bool) {
	guid, ok := parseGUID(w, r)
	if !ok {
		return
	}

	var err error
	if protected {
		err = h.store.Protect(r.Context(), guid)
	} else {
		err = h.store.Unprotect(r.Context(), guid)
	}
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error record not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Failed to update protection", nil)
		return
	}
	response.NoContent(w)
}

// Delete soft-deletes a record; ?hard=true removes it permanently and
// ?force=true overrides protection for the soft path.
func (h *Errors) Delete(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseGUID(w, r)
	if !ok {
		return
	}

	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	var err error
	if hard {
		err = h.store.HardDelete(r.Context(), guid)
	} else {
		err = h.store.SoftDelete(r.Context(), guid, force)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error record not found", nil)
	case errors.Is(err, store.ErrProtected):
		response.Error(w, http.StatusConflict, "PROTECTED", "Record is protected; pass force=true to soft delete", nil)
	case err != nil:
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Failed to delete error record", nil)
	default:
		response.NoContent(w)
	}
}

// DeleteAll removes every non-protected record for an application.
func (h *Errors) DeleteAll(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("application")
	if app == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "application query parameter is required", nil)
		return
	}
	if err := h.store.DeleteAll(r.Context(), app); err != nil {
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Failed to delete error records", nil)
		return
	}
	response.NoContent(w)
}

func parseGUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	guid, err := uuid.Parse(chi.URLParam(r, "guid"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_GUID", "Malformed record GUID", nil)
		return uuid.Nil, false
	}
	return guid, true
}
