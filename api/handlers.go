package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"driver-state-service/apperrors"
	"driver-state-service/ledger"
	"driver-state-service/matching"
	"driver-state-service/models"
	"driver-state-service/presence"
	"driver-state-service/state"
)

const (
	historyLimit = 20
	nearbyLimit  = 10
)

// Handler serves the driver-facing HTTP surface. The driver ID is taken from
// the path; authenticating it is done in front of this service.
type Handler struct {
	coord  *state.Coordinator
	ledger ledger.Ledger
	index  presence.Index
	finder *matching.Finder
	log    logrus.FieldLogger
}

func NewHandler(coord *state.Coordinator, l ledger.Ledger, idx presence.Index, finder *matching.Finder, log logrus.FieldLogger) *Handler {
	return &Handler{coord: coord, ledger: l, index: idx, finder: finder, log: log.WithField("component", "api")}
}

// ToggleWorkingState handles PUT /drivers/{driver_id}/working-state
func (h *Handler) ToggleWorkingState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		h.writeError(w, r, apperrors.NewValidation("body must be {\"enabled\": bool}"))
		return
	}

	res, err := h.coord.ToggleWorkingState(r.Context(), mux.Vars(r)["driver_id"], *req.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PostLocation handles POST /drivers/{driver_id}/location
func (h *Handler) PostLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Latitude == nil || req.Longitude == nil {
		h.writeError(w, r, apperrors.NewValidation("body must carry latitude and longitude"))
		return
	}

	if err := h.coord.PostLocation(r.Context(), mux.Vars(r)["driver_id"], *req.Latitude, *req.Longitude); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPresence handles GET /drivers/{driver_id}/presence
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	p, err := h.index.Locate(r.Context(), driverID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if p == nil {
		h.writeError(w, r, apperrors.NewNotFound("driver "+driverID+" is not in the presence index"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetWorkStatus handles GET /drivers/{driver_id}/work-status
func (h *Handler) GetWorkStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	history, err := h.ledger.History(r.Context(), driverID, historyLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := struct {
		Status  models.WorkStatus        `json:"status"`
		Current *models.WorkStatusEvent  `json:"current"`
		History []models.WorkStatusEvent `json:"history"`
	}{Status: models.StatusOff, History: history}
	if len(history) > 0 {
		resp.Current = &history[0]
		resp.Status = resp.Current.EffectiveStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Nearby handles GET /drivers/nearby?lat=&lng=&limit=
func (h *Handler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		h.writeError(w, r, apperrors.NewValidation("lat and lng query parameters are required"))
		return
	}
	limit := nearbyLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, r, apperrors.NewValidation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	drivers, err := h.finder.FindNearestFree(r.Context(), lat, lng, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)
	entry := h.log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"error_kind": kind,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	msg := apperrors.MessageOf(err)
	if kind == apperrors.Unknown {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": msg})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.Conflict:
		return http.StatusConflict
	case apperrors.InvalidState:
		return http.StatusUnprocessableEntity
	case apperrors.Validation:
		return http.StatusBadRequest
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.StoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
