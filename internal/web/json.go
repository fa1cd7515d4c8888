package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/sweeney/water-meter/internal/gateway"
	"github.com/sweeney/water-meter/internal/wifi"
)

// maxProvisionBody bounds the provisioning request body.
const maxProvisionBody = 4 << 10

// ProvisionRequest is the body of POST /provision.
type ProvisionRequest struct {
	Token    string `json:"token"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Response is the result envelope of the provisioning endpoints.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DeviceInfo is the body of GET /device-info.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	State      string `json:"state"`
	Registered bool   `json:"registered"`
	MeterID    string `json:"meter_id,omitempty"`
	SSID       string `json:"ssid,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, Response{Status: "error", Message: msg})
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	snap := s.prov.Snapshot()
	writeJSON(w, http.StatusOK, DeviceInfo{
		DeviceID:   snap.DeviceID,
		State:      snap.State.String(),
		Registered: snap.Registered,
		MeterID:    snap.MeterID,
		SSID:       snap.SSID,
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProvisionBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	creds := wifi.Credentials{SSID: req.SSID, Password: req.Password}
	err := s.prov.Provision(r.Context(), req.Token, creds)
	switch {
	case err == nil:
		snap := s.prov.Snapshot()
		writeJSON(w, http.StatusOK, Response{
			Status:  "success",
			Message: fmt.Sprintf("registered as meter %s", snap.MeterID),
		})
	case errors.Is(err, wifi.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNotProvisionable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
