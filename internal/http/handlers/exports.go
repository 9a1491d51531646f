package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/service"
)

type createExportRequest struct {
	Filters json.RawMessage `json:"filters,omitempty"`
}

func (api *API) ListExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": api.exports.Jobs(r.Context())})
}

func (api *API) CreateHotelExport(w http.ResponseWriter, r *http.Request) {
	api.createExport(w, r, domain.ExportTypeHotel)
}

func (api *API) CreateMappingExport(w http.ResponseWriter, r *http.Request) {
	api.createExport(w, r, domain.ExportTypeMapping)
}

func (api *API) createExport(w http.ResponseWriter, r *http.Request, exportType domain.ExportType) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request createExportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}
	}

	var (
		job domain.ExportJob
		err error
	)
	if exportType == domain.ExportTypeHotel {
		job, err = api.exports.CreateHotelExport(r.Context(), request.Filters)
	} else {
		job, err = api.exports.CreateMappingExport(r.Context(), request.Filters)
	}
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "create_rejected", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (api *API) ClearCompletedExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	removed := api.exports.ClearCompletedJobs(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// ExportByID dispatches /v1/exports/{id}, /v1/exports/{id}/refresh and
// /v1/exports/{id}/download.
func (api *API) ExportByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/exports/")
	jobID, action, _ := strings.Cut(rest, "/")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodDelete:
			api.deleteExport(w, r, jobID)
		default:
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
	case "refresh":
		if r.Method != http.MethodPost {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		api.refreshExport(w, r, jobID)
	case "download":
		if r.Method != http.MethodGet {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		api.downloadExport(w, r, jobID)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "unknown export action")
	}
}

func (api *API) deleteExport(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := api.exports.DeleteJob(r.Context(), jobID); err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "export job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to delete export job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": jobID})
}

func (api *API) refreshExport(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := api.exports.RefreshJobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "export job not found")
			return
		}
		writeError(w, r, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *API) downloadExport(w http.ResponseWriter, r *http.Request, jobID string) {
	url, err := api.exports.DownloadURL(jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "export job not found")
			return
		}
		writeError(w, r, http.StatusConflict, "no_download", "export has no download available")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
