package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		devices, err := s.registry.ListDevices(r.Context(), owner)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, devices)

	case http.MethodPost:
		var req struct {
			Name      string `json:"name"`
			Address   string `json:"address"`
			PortCount int    `json:"port_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		device, err := s.registry.RegisterDevice(r.Context(), owner, req.Name, req.Address, req.PortCount)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, device)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := queryID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := s.registry.DeregisterDevice(r.Context(), id, force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDevicePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := queryID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	devicePorts, err := s.registry.ListPorts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devicePorts)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	owner, err := ownerID(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ownerPorts, err := s.registry.ListOwnerPorts(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	available, err := s.alloc.AvailableCount(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ports":     ownerPorts,
		"available": available,
	})
}

func (s *Server) handlePortRelease(w http.ResponseWriter, r *http.Request) {
	owner, ok := postOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		PortNumber int    `json:"port_number"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	released, err := s.alloc.Release(r.Context(), owner, req.PortNumber, calls.TerminalStatus(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handlePortOffline(w http.ResponseWriter, r *http.Request) {
	owner, ok := postOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		PortNumber int `json:"port_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.alloc.MarkOffline(r.Context(), owner, req.PortNumber); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePortsReset(w http.ResponseWriter, r *http.Request) {
	owner, ok := postOwner(w, r)
	if !ok {
		return
	}

	freed, err := s.alloc.ResetAll(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": freed})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	if _, ok := postOwner(w, r); !ok {
		return
	}

	var req struct {
		CampaignID string   `json:"campaign_id"`
		Numbers    []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" || len(req.Numbers) == 0 {
		http.Error(w, "campaign_id and numbers are required", http.StatusBadRequest)
		return
	}

	added, err := s.contacts.AddContacts(r.Context(), req.CampaignID, req.Numbers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"added": added})
}

func (s *Server) handleDialStart(w http.ResponseWriter, r *http.Request) {
	owner, ok := postOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	jobID, err := s.dispatch.StartCampaignDialing(r.Context(), owner, req.CampaignID)
	if err != nil {
		writeError(w, err)
		return
	}

	// 202: the job runs in the background
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleDialStop(w http.ResponseWriter, r *http.Request) {
	if _, ok := postOwner(w, r); !ok {
		return
	}

	var req struct {
		JobID      string `json:"job_id"`
		CampaignID string `json:"campaign_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// stop is addressable by either handle; by campaign it is a no-op when
	// nothing is dialing
	var err error
	switch {
	case req.CampaignID != "":
		err = s.dispatch.StopCampaign(req.CampaignID)
	case req.JobID != "":
		err = s.dispatch.StopDialing(req.JobID)
	default:
		http.Error(w, "job_id or campaign_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": true})
}

func (s *Server) handleDialJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatch.Jobs())
}

func (s *Server) handleDialStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	job, err := s.dispatch.JobByID(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTestCall(w http.ResponseWriter, r *http.Request) {
	owner, ok := postOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		PortNumber int    `json:"port_number"`
		Number     string `json:"number"`
		MaxSeconds int    `json:"max_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ceiling := time.Duration(req.MaxSeconds) * time.Second
	callID, err := s.dispatch.MakeTestCall(r.Context(), owner, req.PortNumber, req.Number, ceiling)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	owner, err := ownerID(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recent, err := s.tracker.Recent(r.Context(), owner, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := s.tracker.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": active.Count(),
		"calls": active.List(),
	})
}

// postOwner enforces POST and extracts the authenticated owner
func postOwner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return 0, false
	}
	owner, err := ownerID(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return owner, true
}

func queryID(r *http.Request, key string) (int64, error) {
	idStr := r.URL.Query().Get(key)
	if idStr == "" {
		return 0, fmt.Errorf("%s required", key)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return id, nil
}
