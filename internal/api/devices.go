package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/expo"
	"github.com/lalithlochan/familypush/internal/registry"
)

// RegisterDeviceRequest is the body of POST /v1/devices.
type RegisterDeviceRequest struct {
	DeviceToken string `json:"device_token"`
	Platform    string `json:"platform"`
	DeviceInfo  string `json:"device_info,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
}

// HeartbeatRequest is the body of POST /v1/devices/heartbeat.
type HeartbeatRequest struct {
	DeviceToken string `json:"device_token"`
}

// RegisterDevice handles POST /v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.DeviceToken == "" || req.Platform == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "device_token and platform are required")
		return
	}

	caller := Caller(r.Context())
	token, err := h.push.RegisterDevice(r.Context(), registry.RegisterInput{
		UserID:     caller,
		Token:      req.DeviceToken,
		Platform:   req.Platform,
		DeviceInfo: req.DeviceInfo,
		AppVersion: req.AppVersion,
	})
	if err != nil {
		h.writeServiceError(w, "device registration", err)
		return
	}

	h.logger.Info("device registered",
		zap.String("user_id", caller.String()),
		zap.String("platform", req.Platform),
		zap.String("token", expo.MaskToken(req.DeviceToken)),
	)
	h.writeJSON(w, http.StatusCreated, token)
}

// ListDevices handles GET /v1/devices
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.devices.ListForUser(r.Context(), Caller(r.Context()))
	if err != nil {
		h.writeServiceError(w, "list devices", err)
		return
	}
	if tokens == nil {
		tokens = []*db.DeviceToken{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  tokens,
		"count": len(tokens),
	})
}

// RemoveDevice handles DELETE /v1/devices/{id}
func (h *Handler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "device")
	if !ok {
		return
	}

	removed, err := h.devices.Remove(r.Context(), Caller(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, "remove device", err)
		return
	}
	if !removed {
		h.writeError(w, http.StatusNotFound, "not_found", "Device not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /v1/devices/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceToken == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing device_token", "device_token is required")
		return
	}

	ok, err := h.devices.Heartbeat(r.Context(), req.DeviceToken)
	if err != nil {
		h.writeServiceError(w, "device heartbeat", err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Device not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeviceStatus handles GET /v1/devices/status?token=
func (h *Handler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing token", "token query parameter is required")
		return
	}

	st, err := h.devices.Status(r.Context(), Caller(r.Context()), token)
	if err != nil {
		h.writeServiceError(w, "device status", err)
		return
	}
	if st == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Device not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// DeviceStats handles GET /v1/devices/stats
func (h *Handler) DeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.devices.Stats(r.Context(), Caller(r.Context()))
	if err != nil {
		h.writeServiceError(w, "device stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
