package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/registry"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Devices   int       `json:"devices"`
	Connected int       `json:"connected"`
	Time      time.Time `json:"time"`
}

type startRequest struct {
	CustomerID string `json:"customer_id"`
	Kind       string `json:"kind"`
}

type startResponse struct {
	Address    string `json:"address"`
	CustomerID string `json:"customer_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// health reports "degraded" while no device is connected. The process
// itself is healthy either way.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	statuses := s.cfg.Devices.Status()

	resp := healthResponse{
		Status:  "ok",
		Devices: len(statuses),
		Time:    time.Now().UTC(),
	}
	for _, st := range statuses {
		if st.State.IsConnected() {
			resp.Connected++
		}
	}
	if resp.Connected == 0 {
		resp.Status = "degraded"
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	statuses := s.cfg.Devices.Status()

	if k := r.URL.Query().Get("kind"); k != "" {
		kind := device.ParseKind(k)
		filtered := statuses[:0:0]
		for _, st := range statuses {
			if st.Kind == kind {
				filtered = append(filtered, st)
			}
		}
		statuses = filtered
	}
	if statuses == nil {
		statuses = []registry.DeviceStatus{}
	}

	respondJSON(w, http.StatusOK, statuses)
}

func (s *Server) listDescriptors(w http.ResponseWriter, _ *http.Request) {
	descriptors := s.cfg.Devices.Descriptors()
	if descriptors == nil {
		descriptors = []registry.Descriptor{}
	}
	respondJSON(w, http.StatusOK, descriptors)
}

func (s *Server) counters(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Devices.Counters())
}

func (s *Server) startMeasurement(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	addr, err := s.cfg.Devices.StartMeasurement(r.Context(), req.CustomerID, device.ParseKind(req.Kind))
	if err != nil {
		code := errors.CodeOf(err)
		status := http.StatusInternalServerError
		switch {
		case errors.HasCode(err, registry.ErrNoDevice):
			status = http.StatusServiceUnavailable
		case errors.HasCode(err, device.ErrNotConnected):
			status = http.StatusConflict
		}
		respondError(w, status, err.Error(), string(code))
		return
	}

	respondJSON(w, http.StatusAccepted, startResponse{Address: addr, CustomerID: req.CustomerID})
}

func (s *Server) recentMeasurements(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Records == nil {
		respondError(w, http.StatusNotFound, "record storage disabled", "")
		return
	}

	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = min(n, maxLimit)
	}

	records, err := s.cfg.Records.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error(), string(errors.CodeOf(err)))
		return
	}
	if records == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) getMeasurement(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Records == nil {
		respondError(w, http.StatusNotFound, "record storage disabled", "")
		return
	}

	rec, err := s.cfg.Records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.HasCode(err, errors.ErrResourceNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error(), string(errors.CodeOf(err)))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg, code string) {
	respondJSON(w, status, errorResponse{Error: msg, Code: code})
}
